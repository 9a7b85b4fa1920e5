package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Fingerprint computes the stable identity hash for a node. Two nodes with
// identical fingerprints are the same documentation request: same source,
// same qualified path, same column shape, same prompt template, same target
// backend. Renaming a table changes its path and therefore invalidates its
// own entry and all of its columns' entries.
//
// Sample rows and sibling definitions deliberately stay out of the hash so
// unrelated schema changes do not force regeneration.
func Fingerprint(d *DataSource, ref NodeRef, templateVersion, backendID string) string {
	parts := []string{d.Name, ref.Path()}

	if !ref.IsTable() {
		if t := d.Table(ref.Table); t != nil {
			if c := t.Column(ref.Column); c != nil {
				parts = append(parts, string(c.Type), strconv.FormatBool(c.Nullable))
			}
		}
	}

	parts = append(parts, templateVersion, backendID)

	hasher := sha256.New()
	hasher.Write([]byte(strings.Join(parts, "\x00")))

	return hex.EncodeToString(hasher.Sum(nil))
}
