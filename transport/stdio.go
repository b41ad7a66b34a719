package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/mcppool/connmgr/jsonrpc"
)

// StdioTransport launches a child process and speaks newline-delimited
// JSON-RPC over its stdin/stdout, the way a local MCP server is most
// commonly packaged.
type StdioTransport struct {
	Command string
	Args    []string
	Env     []string // additional KEY=VALUE entries appended to the child's environment
	Dir     string
}

// Connect ignores sessionID: a child process has no server-assigned
// session identity to resume.
func (t *StdioTransport) Connect(ctx context.Context, sessionID string) (Connection, error) {
	cmd := exec.CommandContext(ctx, t.Command, t.Args...)
	cmd.Dir = t.Dir
	if len(t.Env) > 0 {
		cmd.Env = append(cmd.Environ(), t.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stdio transport: starting %s: %w", t.Command, err)
	}

	conn := &stdioConn{
		cmd:       cmd,
		stdin:     stdin,
		stdoutRaw: stdout,
		stdout:    bufio.NewReaderSize(stdout, 64*1024),
	}
	return conn, nil
}

type stdioConn struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdoutRaw io.Closer
	stdout    *bufio.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *stdioConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	type result struct {
		line []byte
		err  error
	}
	out := make(chan result, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.stdoutRaw.Close()
		case <-done:
		}
	}()
	go func() {
		line, err := c.stdout.ReadBytes('\n')
		out <- result{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-out:
		if r.err != nil {
			if r.err == io.EOF && len(r.line) == 0 {
				return nil, io.EOF
			}
			if r.err != io.EOF {
				return nil, fmt.Errorf("stdio transport: read: %w", r.err)
			}
		}
		line := trimNewline(r.line)
		if len(line) == 0 {
			return c.Read(ctx)
		}
		msg, err := jsonrpc.DecodeMessage(line)
		if err != nil {
			return nil, fmt.Errorf("stdio transport: decode: %w", err)
		}
		return msg, nil
	}
}

func (c *stdioConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("stdio transport: encode: %w", err)
	}
	data = append(data, '\n')

	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("stdio transport: write: %w", err)
	}
	return nil
}

func (c *stdioConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.stdin.Close()
		if werr := c.cmd.Wait(); werr != nil && err == nil {
			// A non-zero exit on a deliberate close is expected
			// (most servers die on stdin EOF without a clean exit
			// code), so a Wait error is never surfaced; only a
			// failure closing stdin is returned.
			err = nil
		}
	})
	return err
}

func (c *stdioConn) SessionID() string { return "" }

func trimNewline(line []byte) []byte {
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	return line[:n]
}
