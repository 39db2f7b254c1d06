// Package inventory loads the fleet definition from a YAML file and resolves
// host credentials at connect time. Secrets are referenced via ${ENV}
// placeholders or the encrypted secret store, never stored inline.
package inventory

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/opsgate/opsgate/internal/access"
	"github.com/opsgate/opsgate/internal/validate"
)

// envPattern matches ${VAR} placeholders in the raw fleet file.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

type fleetFile struct {
	Defaults hostDefaults `yaml:"defaults"`
	Hosts    []hostSpec   `yaml:"hosts"`
}

type hostDefaults struct {
	Port int    `yaml:"port"`
	User string `yaml:"user"`
}

type hostSpec struct {
	ID       string `yaml:"id" validate:"required"`
	Name     string `yaml:"name"`
	Addr     string `yaml:"addr" validate:"required,hostname|ip"`
	Port     int    `yaml:"port" validate:"omitempty,gte=1,lte=65535"`
	User     string `yaml:"user" validate:"omitempty,unixname"`
	Auth     string `yaml:"auth" validate:"required,oneof=password key"`
	Password string `yaml:"password"`
	KeyPath  string `yaml:"key_path"`
}

// Directory is the loaded host inventory. Hosts are immutable values; the
// provisioning and monitoring paths read them per operation.
type Directory struct {
	hosts map[string]access.Host
	order []string
}

// Load reads and validates a fleet file. ${VAR} placeholders anywhere in the
// file are substituted from the environment before parsing.
func Load(path string) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}

	expanded := envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})

	var file fleetFile
	if err := yaml.Unmarshal(expanded, &file); err != nil {
		return nil, fmt.Errorf("parse fleet file: %w", err)
	}

	dir := &Directory{hosts: make(map[string]access.Host, len(file.Hosts))}
	for i, spec := range file.Hosts {
		if spec.Port == 0 {
			spec.Port = file.Defaults.Port
		}
		if spec.User == "" {
			spec.User = file.Defaults.User
		}
		if spec.Name == "" {
			spec.Name = spec.ID
		}
		if err := validate.Struct(spec); err != nil {
			return nil, fmt.Errorf("host %d (%s): %w", i, spec.ID, err)
		}
		if access.AuthMode(spec.Auth) == access.AuthKey && spec.KeyPath == "" {
			return nil, fmt.Errorf("host %s: key auth requires key_path", spec.ID)
		}
		if _, dup := dir.hosts[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate host id %s", spec.ID)
		}

		dir.hosts[spec.ID] = access.Host{
			ID:       spec.ID,
			Name:     spec.Name,
			Addr:     spec.Addr,
			Port:     spec.Port,
			User:     spec.User,
			Auth:     access.AuthMode(spec.Auth),
			Password: spec.Password,
			KeyPath:  spec.KeyPath,
			Status:   access.StatusUnknown,
		}
		dir.order = append(dir.order, spec.ID)
	}
	return dir, nil
}

// GetHost returns one host by id.
func (d *Directory) GetHost(id string) (access.Host, bool) {
	h, ok := d.hosts[id]
	return h, ok
}

// ListHosts returns every host in file order.
func (d *Directory) ListHosts() []access.Host {
	out := make([]access.Host, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.hosts[id])
	}
	return out
}

// SecretSource is the password lookup surface, implemented by the secrets
// store.
type SecretSource interface {
	Get(hostID string) (string, error)
}

// Resolver fills in a host's password from the secret store when the fleet
// file left it empty.
type Resolver struct {
	dir     *Directory
	secrets SecretSource
}

func NewResolver(dir *Directory, secrets SecretSource) *Resolver {
	return &Resolver{dir: dir, secrets: secrets}
}

// GetHost resolves a host with its credential filled in. Key-auth hosts pass
// through untouched; password-auth hosts without an inline password get one
// from the secret store when available.
func (r *Resolver) GetHost(id string) (access.Host, bool) {
	h, ok := r.dir.GetHost(id)
	if !ok {
		return h, false
	}
	if h.Auth == access.AuthPassword && h.Password == "" && r.secrets != nil {
		if pw, err := r.secrets.Get(id); err == nil {
			h.Password = pw
		}
	}
	return h, true
}

// ListHosts resolves every host in file order.
func (r *Resolver) ListHosts() []access.Host {
	hosts := r.dir.ListHosts()
	for i, h := range hosts {
		if resolved, ok := r.GetHost(h.ID); ok {
			hosts[i] = resolved
		}
	}
	return hosts
}
