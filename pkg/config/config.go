// Package config selects a manifest store backend and loads validated
// node manifests from it.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/netopslab/noderun/pkg/config/configstore"
	"github.com/netopslab/noderun/pkg/config/csvstore"
	"github.com/netopslab/noderun/pkg/config/filestore"
	"github.com/netopslab/noderun/pkg/config/mongostore"
	"github.com/netopslab/noderun/pkg/node"
)

type StoreType int

const (
	CSVStore StoreType = iota
	FileStore
	MongoStore
)

var ErrInvalidStoreType = errors.New("invalid store type")

type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	DBName   string `yaml:"dbName" json:"dbName"`
	CollName string `yaml:"collName" json:"collName"`
	ID       string `yaml:"id" json:"id"` // manifest document ID
}

func NewStore(storeType StoreType, cfg any) (configstore.Store, error) {
	switch storeType {
	case CSVStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for csv store, expected *FileConfig")
		}
		return csvstore.New(fileCfg.Path), nil
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		return filestore.New(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		return mongostore.New(mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}

// OpenPath picks the store backend from the file extension.
func OpenPath(path string) (configstore.Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return NewStore(CSVStore, &FileConfig{Path: path})
	case ".yaml", ".yml":
		return NewStore(FileStore, &FileConfig{Path: path})
	default:
		return nil, fmt.Errorf("unsupported manifest file type: %s", path)
	}
}

// LoadManifest loads and validates the manifest from a store.
func LoadManifest(store configstore.Store) (*node.Manifest, error) {
	var manifest node.Manifest
	if err := store.Load(&manifest); err != nil {
		return nil, err
	}
	if err := node.ValidateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &manifest, nil
}
