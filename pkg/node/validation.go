package node

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("hostid", validateHostID)
}

// Node IDs end up in file names and Kafka keys, so keep them filesystem safe.
func validateHostID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if id == "" {
		return false
	}
	match, _ := regexp.MatchString(`^[a-zA-Z0-9._-]+$`, id)
	return match
}

// ValidateRecord checks a single record's structural fields. Protocol is
// deliberately not checked against a closed set: an unsupported protocol
// is a per-node run outcome, not a load error.
func ValidateRecord(r Record) error {
	return validate.Struct(r)
}

// ValidateManifest checks every record and that each credentials reference
// resolves against the manifest's own credential table.
func ValidateManifest(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest cannot be nil")
	}
	if len(m.Nodes) == 0 {
		return fmt.Errorf("manifest contains no nodes")
	}
	seen := make(map[string]bool, len(m.Nodes))
	for i, rec := range m.Nodes {
		if err := ValidateRecord(rec); err != nil {
			return fmt.Errorf("node %d (%s): %w", i, rec.ID, err)
		}
		if seen[rec.ID] {
			return fmt.Errorf("duplicate node id %q", rec.ID)
		}
		seen[rec.ID] = true
		if m.Credentials != nil {
			if _, ok := m.Credentials[rec.CredentialsRef]; !ok {
				return fmt.Errorf("node %s: credentials reference %q not in manifest", rec.ID, rec.CredentialsRef)
			}
		}
	}
	return nil
}
