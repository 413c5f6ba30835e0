// Package node defines the target device records a run operates on.
package node

import (
	"context"
	"fmt"
	"time"
)

// Protocol selects the transport used to reach a node. Values other than
// the constants below are carried through and reported per node by the
// fleet; they are not rejected at load time.
type Protocol string

const (
	SSH    Protocol = "ssh"
	Telnet Protocol = "telnet"
)

// DefaultTimeout applies when a record does not set its own.
const DefaultTimeout = 30 * time.Second

// Record describes one target device. Immutable once constructed; the
// fleet owns it for the lifetime of one run.
type Record struct {
	ID             string        `yaml:"id" json:"id" bson:"_id" validate:"required,hostid"`
	Address        string        `yaml:"address" json:"address" bson:"address" validate:"required"`
	Protocol       Protocol      `yaml:"protocol" json:"protocol" bson:"protocol" validate:"required"`
	CredentialsRef string        `yaml:"credentials_ref" json:"credentials_ref" bson:"credentials_ref" validate:"required"`
	SetupCommands  []string      `yaml:"setup_commands" json:"setup_commands" bson:"setup_commands"`
	CycleCommands  []string      `yaml:"cycle_commands" json:"cycle_commands" bson:"cycle_commands"`
	CycleCount     int           `yaml:"cycle_count" json:"cycle_count" bson:"cycle_count" validate:"gte=0"`
	CycleInterval  time.Duration `yaml:"cycle_interval" json:"cycle_interval" bson:"cycle_interval"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout" bson:"timeout"`
}

// CommandTimeout returns the per-command timeout for this record.
func (r Record) CommandTimeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

// Credentials is a resolved secret for one node.
type Credentials struct {
	Username   string `yaml:"username" json:"username" bson:"username"`
	Password   string `yaml:"password" json:"password" bson:"password"`
	PrivateKey []byte `yaml:"private_key,omitempty" json:"private_key,omitempty" bson:"private_key,omitempty"`
}

// CredentialsProvider resolves a record's credentials reference to an
// actual secret before authentication.
type CredentialsProvider interface {
	Lookup(ctx context.Context, ref string) (Credentials, error)
}

// StaticCredentials is an in-memory provider keyed by reference.
type StaticCredentials map[string]Credentials

func (s StaticCredentials) Lookup(_ context.Context, ref string) (Credentials, error) {
	creds, ok := s[ref]
	if !ok {
		return Credentials{}, fmt.Errorf("credentials reference %q not found", ref)
	}
	return creds, nil
}

// Manifest is the loadable unit a run starts from: the node records plus
// the statically stored credentials they reference.
type Manifest struct {
	Nodes       []Record          `yaml:"nodes" json:"nodes" bson:"nodes"`
	Credentials StaticCredentials `yaml:"credentials" json:"credentials" bson:"credentials"`
}
