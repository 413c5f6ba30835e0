package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netopslab/noderun/pkg/config/csvstore"
	"github.com/netopslab/noderun/pkg/config/filestore"
)

func TestOpenPathPicksBackendByExtension(t *testing.T) {
	s, err := OpenPath("nodes.csv")
	require.NoError(t, err)
	assert.IsType(t, &csvstore.CSVStore{}, s)

	s, err = OpenPath("nodes.yaml")
	require.NoError(t, err)
	assert.IsType(t, &filestore.FileStore{}, s)

	s, err = OpenPath("NODES.YML")
	require.NoError(t, err)
	assert.IsType(t, &filestore.FileStore{}, s)

	_, err = OpenPath("nodes.toml")
	assert.Error(t, err)
}

func TestNewStoreRejectsWrongConfigType(t *testing.T) {
	_, err := NewStore(CSVStore, &MongoConfig{})
	assert.Error(t, err)

	_, err = NewStore(FileStore, nil)
	assert.Error(t, err)

	_, err = NewStore(StoreType(99), &FileConfig{})
	assert.ErrorIs(t, err, ErrInvalidStoreType)
}

func TestLoadManifestValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	content := `
nodes:
  - id: switch-01
    address: 10.0.0.1
    protocol: ssh
    credentials_ref: lab
    cycle_commands: [show version]
    cycle_count: 1
credentials:
  lab:
    username: admin
    password: secret
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	store, err := OpenPath(path)
	require.NoError(t, err)
	m, err := LoadManifest(store)
	require.NoError(t, err)
	assert.Len(t, m.Nodes, 1)

	// a dangling credentials reference fails validation at load time
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
nodes:
  - id: switch-01
    address: 10.0.0.1
    protocol: ssh
    credentials_ref: nope
credentials:
  lab: {username: admin}
`), 0600))
	store, err = OpenPath(bad)
	require.NoError(t, err)
	_, err = LoadManifest(store)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid manifest")
}
