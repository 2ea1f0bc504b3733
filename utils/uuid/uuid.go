// Package uuid generates random identifiers
package uuid

import (
	"path/filepath"

	google_uuid "github.com/google/uuid"
)

// MustUUID returns a random UUID string
func MustUUID() string {
	return google_uuid.New().String()
}

// TempPath returns a path under dir that no other caller will be given
func TempPath(dir string, prefix string) string {
	return filepath.Join(dir, prefix+"-"+MustUUID())
}
