// Package config defines the Server Descriptor schema the pool loads at
// startup, and a loader for a YAML table of servers (the natural format
// for a hand-edited multi-server config). Descriptors also carry json
// struct tags; this package has no separate JSON loader.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/yosida95/uritemplate/v3"
	"gopkg.in/yaml.v3"

	"github.com/mcppool/connmgr/transport"
)

// OAuthConfig is the optional authorization configuration for a server.
type OAuthConfig struct {
	IssuerURL            string   `yaml:"issuer_url" json:"issuer_url"`
	RedirectURI          string   `yaml:"redirect_uri" json:"redirect_uri"`
	Scopes               []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	ClientID             string   `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret         string   `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
}

// CustomUserVar describes one per-user substitution variable a server's
// command, args, env, url, or headers may reference via a
// "{varName}" RFC 6570 template expression.
type CustomUserVar struct {
	Title       string `yaml:"title,omitempty" json:"title,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ServerInstructionsMode is the parsed serverInstructions setting. For each
// enabled server that connects at startup, pool.Initialize records Override
// under the server's name. The instructions a server returns from
// initialize are not read into that record, and the Manager exposes no
// accessor for it.
type ServerInstructionsMode struct {
	// Enabled is true for `true` and for a string value.
	Enabled bool
	// Override holds the string value, if one was given.
	Override string
}

// UnmarshalYAML accepts the schema's three forms: omitted (disabled),
// `true`/`false`, or a literal override string.
func (m *ServerInstructionsMode) UnmarshalYAML(value *yaml.Node) error {
	var asBool bool
	if err := value.Decode(&asBool); err == nil {
		*m = ServerInstructionsMode{Enabled: asBool}
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("config: serverInstructions must be a bool or a string")
	}
	*m = ServerInstructionsMode{Enabled: true, Override: asString}
	return nil
}

// ServerDescriptor is one server's complete, immutable-once-registered
// configuration.
type ServerDescriptor struct {
	Name string `yaml:"name" json:"name"`

	// Type is the schema's transport discriminator. It uses the wire
	// names from spec.md's external schema ("websocket",
	// "streamable-http") rather than transport.Kind's internal names;
	// ResolveTransportKind maps between the two.
	Type string `yaml:"type" json:"type"`

	// Stdio transport fields.
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Network transport fields (sse, websocket, streamable-http).
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	InitTimeoutMS       int64                   `yaml:"initTimeout,omitempty" json:"initTimeout,omitempty"`
	TimeoutMS           int64                   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	IconPath            string                  `yaml:"iconPath,omitempty" json:"iconPath,omitempty"`
	ServerInstructions  *ServerInstructionsMode `yaml:"serverInstructions,omitempty" json:"serverInstructions,omitempty"`
	CustomUserVars      map[string]CustomUserVar `yaml:"customUserVars,omitempty" json:"customUserVars,omitempty"`
	OAuth               *OAuthConfig            `yaml:"oauth,omitempty" json:"oauth,omitempty"`
}

// InitTimeout returns the configured init timeout, defaulting to 120s per
// spec.md (the pool itself overrides this default to 30s for the
// Connections it creates).
func (d ServerDescriptor) InitTimeout() time.Duration {
	if d.InitTimeoutMS <= 0 {
		return 120 * time.Second
	}
	return time.Duration(d.InitTimeoutMS) * time.Millisecond
}

// Timeout returns the configured per-call timeout, or 0 if unset (no
// deadline beyond the caller's own context).
func (d ServerDescriptor) Timeout() time.Duration {
	if d.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

// ResolveTransportKind maps the schema's wire-level Type (and URL scheme)
// to the transport package's selection, validating the descriptor in the
// process.
func (d ServerDescriptor) ResolveTransportKind() (transport.Kind, error) {
	switch d.Type {
	case "stdio":
		if d.Command == "" {
			return "", fmt.Errorf("config: server %q: type stdio requires command", d.Name)
		}
		return transport.KindStdio, nil
	case "sse":
		return transport.KindSSE, nil
	case "websocket":
		return transport.KindSocket, nil
	case "streamable-http":
		return transport.KindStreamingHTTP, nil
	case "":
		return transport.Select("", d.Command, d.URL)
	default:
		return "", fmt.Errorf("config: server %q: unrecognized transport type %q", d.Name, d.Type)
	}
}

// Validate checks the descriptor's required fields and internal
// consistency, independent of actually dialing a transport.
func (d ServerDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("config: server descriptor missing name")
	}
	kind, err := d.ResolveTransportKind()
	if err != nil {
		return err
	}
	if kind != transport.KindStdio && d.URL == "" {
		return fmt.Errorf("config: server %q: transport %s requires url", d.Name, kind)
	}
	if d.OAuth != nil {
		if d.OAuth.IssuerURL == "" {
			return fmt.Errorf("config: server %q: oauth.issuer_url is required when oauth is configured", d.Name)
		}
		if d.OAuth.RedirectURI == "" {
			return fmt.Errorf("config: server %q: oauth.redirect_uri is required when oauth is configured", d.Name)
		}
	}
	for name := range d.CustomUserVars {
		if _, err := uritemplate.New(fmt.Sprintf("{%s}", name)); err != nil {
			return fmt.Errorf("config: server %q: custom user var %q is not a valid template expression: %w", d.Name, name, err)
		}
	}
	return nil
}

// file is the top-level shape of a multi-server YAML configuration
// document.
type file struct {
	Servers []ServerDescriptor `yaml:"servers" json:"servers"`
}

// LoadYAML parses a multi-server configuration document, validating every
// descriptor before returning.
func LoadYAML(r io.Reader) ([]ServerDescriptor, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("config: parsing yaml: %w", err)
	}
	return validateAll(f.Servers)
}

// LoadYAMLFile opens and parses path as a YAML configuration document.
func LoadYAMLFile(path string) ([]ServerDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()
	return LoadYAML(f)
}

func validateAll(servers []ServerDescriptor) ([]ServerDescriptor, error) {
	seen := make(map[string]bool, len(servers))
	for _, s := range servers {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("config: duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return servers, nil
}

// SubstituteUserVars expands "{varName}" RFC 6570 template expressions in
// command, args, env values, url, and headers using per-user values. Vars
// not present in values expand to the empty string, as RFC 6570 defines;
// a field that does not parse as a template is kept as it is.
func SubstituteUserVars(d ServerDescriptor, values map[string]string) (ServerDescriptor, error) {
	vars := uritemplate.Values{}
	for k, v := range values {
		vars = vars.Set(k, uritemplate.String(v))
	}
	expand := func(s string) (string, error) {
		tpl, err := uritemplate.New(s)
		if err != nil {
			// Not every field is guaranteed to contain template syntax;
			// treat an unparseable expression as a literal string.
			return s, nil //nolint:nilerr
		}
		return tpl.Expand(vars)
	}

	out := d
	var err error
	if out.Command, err = expand(d.Command); err != nil {
		return ServerDescriptor{}, fmt.Errorf("config: expanding command: %w", err)
	}
	out.Args = make([]string, len(d.Args))
	for i, a := range d.Args {
		if out.Args[i], err = expand(a); err != nil {
			return ServerDescriptor{}, fmt.Errorf("config: expanding args[%d]: %w", i, err)
		}
	}
	if len(d.Env) > 0 {
		out.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			if out.Env[k], err = expand(v); err != nil {
				return ServerDescriptor{}, fmt.Errorf("config: expanding env[%s]: %w", k, err)
			}
		}
	}
	if out.URL, err = expand(d.URL); err != nil {
		return ServerDescriptor{}, fmt.Errorf("config: expanding url: %w", err)
	}
	if len(d.Headers) > 0 {
		out.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			if out.Headers[k], err = expand(v); err != nil {
				return ServerDescriptor{}, fmt.Errorf("config: expanding headers[%s]: %w", k, err)
			}
		}
	}
	return out, nil
}
