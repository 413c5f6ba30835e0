// Package csvstore reads node manifests from a transposed CSV: each
// column after the first describes one node, the first column names the
// rows. Recognized configuration rows are listed in configHeaders; every
// other row is a cycle command, in row order, until the first blank cell
// in that node's column.
package csvstore

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/netopslab/noderun/pkg/config/configstore"
	"github.com/netopslab/noderun/pkg/node"
)

var _ configstore.Store = (*CSVStore)(nil)

const (
	headerNodeName     = "nodename"
	headerProtocol     = "protocol"
	headerAddress      = "ip_address"
	headerLogin        = "login_id"
	headerPassword     = "login_password"
	headerSetupCmd1    = "additional_command_1"
	headerSetupCmd2    = "additional_command_2"
	headerCycleCount   = "cycle_count"
	headerTimeoutSecs  = "timeout_seconds"
	headerIntervalMsec = "cycle_interval_ms"
)

var configHeaders = map[string]bool{
	headerNodeName:     true,
	headerProtocol:     true,
	headerAddress:      true,
	headerLogin:        true,
	headerPassword:     true,
	headerSetupCmd1:    true,
	headerSetupCmd2:    true,
	headerCycleCount:   true,
	headerTimeoutSecs:  true,
	headerIntervalMsec: true,
}

type CSVStore struct {
	Path string
}

func New(path string) *CSVStore {
	return &CSVStore{Path: path}
}

// Load parses the CSV into a *node.Manifest. Credentials stay in the
// manifest's credential table keyed by node name; records reference them
// by that key.
func (s *CSVStore) Load(out any) error {
	manifest, ok := out.(*node.Manifest)
	if !ok {
		return fmt.Errorf("Load: expected *node.Manifest, got %T", out)
	}

	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("Load: failed to read file %s: %w", s.Path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // node columns may have ragged command tails
	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("Load: failed to parse CSV in %s: %w", s.Path, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("Load: manifest file %s is empty", s.Path)
	}

	columns := transpose(rows)
	headers := make([]string, len(columns[0]))
	for i, h := range columns[0] {
		headers[i] = strings.TrimSpace(h)
	}

	manifest.Credentials = make(node.StaticCredentials)
	for col := 1; col < len(columns); col++ {
		rec, creds, err := parseColumn(headers, columns[col])
		if err != nil {
			return fmt.Errorf("Load: column %d: %w", col, err)
		}
		if rec.ID == "" {
			continue // padding column
		}
		manifest.Nodes = append(manifest.Nodes, rec)
		manifest.Credentials[rec.CredentialsRef] = creds
	}
	return nil
}

func (s *CSVStore) Save(in any) error {
	return fmt.Errorf("Save not supported for CSV manifests")
}

func parseColumn(headers, column []string) (node.Record, node.Credentials, error) {
	var (
		rec           node.Record
		creds         node.Credentials
		setup1        string
		setup2        string
		commandsEnded bool
	)
	rec.Protocol = node.SSH // default when the protocol row is blank

	for i, header := range headers {
		var value string
		if i < len(column) {
			value = strings.TrimSpace(column[i])
		}

		if !configHeaders[header] {
			// command row: the first blank cell ends this node's commands
			if value == "" {
				commandsEnded = true
			}
			if !commandsEnded {
				rec.CycleCommands = append(rec.CycleCommands, value)
			}
			continue
		}

		switch header {
		case headerNodeName:
			rec.ID = value
			rec.CredentialsRef = value
		case headerProtocol:
			if value != "" {
				rec.Protocol = node.Protocol(strings.ToLower(value))
			}
		case headerAddress:
			rec.Address = value
		case headerLogin:
			creds.Username = value
		case headerPassword:
			creds.Password = value
		case headerSetupCmd1:
			setup1 = value
		case headerSetupCmd2:
			setup2 = value
		case headerCycleCount:
			if value != "" {
				n, err := strconv.Atoi(value)
				if err != nil || n < 0 {
					return rec, creds, fmt.Errorf("invalid cycle_count %q", value)
				}
				rec.CycleCount = n
			}
		case headerTimeoutSecs:
			if value != "" {
				secs, err := strconv.Atoi(value)
				if err != nil || secs <= 0 {
					return rec, creds, fmt.Errorf("invalid timeout_seconds %q", value)
				}
				rec.Timeout = time.Duration(secs) * time.Second
			}
		case headerIntervalMsec:
			if value != "" {
				ms, err := strconv.Atoi(value)
				if err != nil || ms < 0 {
					return rec, creds, fmt.Errorf("invalid cycle_interval_ms %q", value)
				}
				rec.CycleInterval = time.Duration(ms) * time.Millisecond
			}
		}
	}

	for _, cmd := range []string{setup1, setup2} {
		if cmd != "" {
			rec.SetupCommands = append(rec.SetupCommands, cmd)
		}
	}
	return rec, creds, nil
}

// transpose turns rows into columns, padding short rows with empty cells.
func transpose(rows [][]string) [][]string {
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	columns := make([][]string, width)
	for i := range columns {
		columns[i] = make([]string, len(rows))
		for j, row := range rows {
			if i < len(row) {
				columns[i][j] = row[i]
			}
		}
	}
	return columns
}
