package zbus

import (
	"encoding/hex"
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// A server GUID is 32 hex digits identifying one server endpoint. The server
// sends it during authentication and the client validates its form.

// GenerateGUID creates a new random server GUID.
func GenerateGUID() (string, error) {
	raw, err := uuid.GenerateRandomBytes(16)
	if err != nil {
		return "", fmt.Errorf("zbus: generating guid: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// ValidateGUID checks the wire form of a server GUID.
func ValidateGUID(guid string) error {
	if len(guid) != 32 {
		return fmt.Errorf("zbus: invalid guid %q: want 32 hex digits", guid)
	}
	if _, err := hex.DecodeString(guid); err != nil {
		return fmt.Errorf("zbus: invalid guid %q: %w", guid, err)
	}
	return nil
}
