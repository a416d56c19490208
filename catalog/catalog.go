// Package catalog loads a TOML catalog of launchable bridge servers: the
// command to run, its arguments, environment overrides, and per-server call
// settings. Values may reference ${ENV_VAR} placeholders, expanded from the
// current process environment at load time so secrets never live in the file.
package catalog

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/procrpc/procrpc/bridge"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Catalog is the top-level catalog file.
type Catalog struct {
	Servers map[string]Server `toml:"servers"`
}

// Server describes how to launch one bridge child process.
type Server struct {
	Command    string            `toml:"command"`
	Args       []string          `toml:"args"`
	Env        map[string]string `toml:"env"`
	WorkingDir string            `toml:"working_dir"`

	// CallTimeout is a duration string ("30s", "2m") applied as the default
	// per-call timeout for this server. Empty means the transport default.
	CallTimeout string `toml:"call_timeout"`
}

// Load reads and parses the catalog at path, expanding ${ENV_VAR}
// placeholders. A missing file yields an empty catalog, not an error.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Catalog{Servers: make(map[string]Server)}, nil
		}
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	var cat Catalog
	if err := toml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	if cat.Servers == nil {
		cat.Servers = make(map[string]Server)
	}
	for name, server := range cat.Servers {
		cat.Servers[name] = expandServer(server)
	}
	if err := cat.validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Lookup returns the named server entry.
func (c *Catalog) Lookup(name string) (Server, error) {
	server, ok := c.Servers[name]
	if !ok {
		return Server{}, fmt.Errorf("no server %q in catalog", name)
	}
	return server, nil
}

func (c *Catalog) validate() error {
	for name, server := range c.Servers {
		if server.Command == "" {
			return fmt.Errorf("server %q: command is required", name)
		}
		if server.CallTimeout != "" {
			if _, err := time.ParseDuration(server.CallTimeout); err != nil {
				return fmt.Errorf("server %q: invalid call_timeout: %w", name, err)
			}
		}
	}
	return nil
}

// CallTimeoutDuration returns the parsed call timeout, or 0 when unset.
func (s Server) CallTimeoutDuration() time.Duration {
	if s.CallTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(s.CallTimeout)
	if err != nil {
		return 0
	}
	return d
}

// NewTransport builds a bridge.Transport for this entry. The per-server call
// timeout, if set, is applied before the caller's own options.
func (s Server) NewTransport(opts ...bridge.Option) *bridge.Transport {
	if d := s.CallTimeoutDuration(); d > 0 {
		opts = append([]bridge.Option{bridge.WithCallTimeout(d)}, opts...)
	}
	return bridge.New(s.Command, s.Args, opts...)
}

// StartRequest builds the spawn-time portion of a bridge.StartRequest for
// this entry; the caller fills in its handlers.
func (s Server) StartRequest() bridge.StartRequest {
	env := make(map[string]string, len(s.Env))
	for k, v := range s.Env {
		env[k] = v
	}
	return bridge.StartRequest{
		WorkingDir: s.WorkingDir,
		Env:        env,
	}
}

func expandServer(s Server) Server {
	s.Command = expand(s.Command)
	s.WorkingDir = expand(s.WorkingDir)
	for i, arg := range s.Args {
		s.Args[i] = expand(arg)
	}
	for k, v := range s.Env {
		s.Env[k] = expand(v)
	}
	return s
}

func expand(v string) string {
	return envVarRe.ReplaceAllStringFunc(v, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}
