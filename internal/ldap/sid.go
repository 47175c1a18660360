package ldap

import (
	"fmt"

	"github.com/bwmarrin/go-objectsid"
)

// SIDBytesToString converts a binary SID to its S-1-5-21-... representation.
func SIDBytesToString(binarySID []byte) (string, error) {
	// Revision, sub-authority count and 6-byte authority precede the
	// 4-byte sub-authorities.
	if len(binarySID) < 8 {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(binarySID))
	}
	if want := 8 + 4*int(binarySID[1]); len(binarySID) != want {
		return "", fmt.Errorf("invalid binary SID length: expected %d, got %d", want, len(binarySID))
	}

	sid := objectsid.Decode(binarySID)
	return sid.String(), nil
}
