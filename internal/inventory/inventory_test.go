package inventory

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/access"
)

func writeFleet(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const fleetYAML = `
defaults:
  port: 22
  user: ops
hosts:
  - id: web-1
    addr: 10.0.0.5
    auth: password
    password: ${WEB1_PASSWORD}
  - id: db-1
    name: primary-db
    addr: db.internal.example
    port: 2222
    user: dba
    auth: key
    key_path: /etc/opsgate/keys/db-1
`

func TestLoadAppliesDefaultsAndEnv(t *testing.T) {
	t.Setenv("WEB1_PASSWORD", "from-env")
	dir, err := Load(writeFleet(t, fleetYAML))
	require.NoError(t, err)

	web, ok := dir.GetHost("web-1")
	require.True(t, ok)
	assert.Equal(t, "web-1", web.Name, "name defaults to id")
	assert.Equal(t, 22, web.Port)
	assert.Equal(t, "ops", web.User)
	assert.Equal(t, access.AuthPassword, web.Auth)
	assert.Equal(t, "from-env", web.Password)
	assert.Equal(t, access.StatusUnknown, web.Status)

	db, ok := dir.GetHost("db-1")
	require.True(t, ok)
	assert.Equal(t, "primary-db", db.Name)
	assert.Equal(t, 2222, db.Port)
	assert.Equal(t, "dba", db.User)
	assert.Equal(t, access.AuthKey, db.Auth)

	hosts := dir.ListHosts()
	require.Len(t, hosts, 2)
	assert.Equal(t, "web-1", hosts[0].ID, "file order preserved")
}

func TestLoadRejectsBadAuthMode(t *testing.T) {
	_, err := Load(writeFleet(t, `
hosts:
  - id: h1
    addr: 10.0.0.1
    auth: kerberos
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth")
}

func TestLoadRejectsKeyAuthWithoutPath(t *testing.T) {
	_, err := Load(writeFleet(t, `
hosts:
  - id: h1
    addr: 10.0.0.1
    auth: key
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_path")
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	_, err := Load(writeFleet(t, `
hosts:
  - id: h1
    addr: 10.0.0.1
    auth: password
  - id: h1
    addr: 10.0.0.2
    auth: password
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

type fakeSecrets map[string]string

func (f fakeSecrets) Get(hostID string) (string, error) {
	pw, ok := f[hostID]
	if !ok {
		return "", errors.New("not found")
	}
	return pw, nil
}

func TestResolverFillsPasswordFromSecrets(t *testing.T) {
	t.Setenv("WEB1_PASSWORD", "")
	dir, err := Load(writeFleet(t, fleetYAML))
	require.NoError(t, err)

	r := NewResolver(dir, fakeSecrets{"web-1": "vault-pw"})

	web, ok := r.GetHost("web-1")
	require.True(t, ok)
	assert.Equal(t, "vault-pw", web.Password)

	// Key-auth hosts pass through untouched.
	db, ok := r.GetHost("db-1")
	require.True(t, ok)
	assert.Empty(t, db.Password)
	assert.Equal(t, "/etc/opsgate/keys/db-1", db.KeyPath)
}

func TestResolverPrefersInlinePassword(t *testing.T) {
	t.Setenv("WEB1_PASSWORD", "inline-pw")
	dir, err := Load(writeFleet(t, fleetYAML))
	require.NoError(t, err)

	r := NewResolver(dir, fakeSecrets{"web-1": "vault-pw"})
	web, _ := r.GetHost("web-1")
	assert.Equal(t, "inline-pw", web.Password)
}
