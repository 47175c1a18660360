package ldap

import (
	"fmt"

	"github.com/google/uuid"
)

// GUIDBytesLength is the size of a binary objectGUID.
const GUIDBytesLength = 16

// GUIDBytesToString converts Active Directory GUID bytes to standard string format.
// Active Directory uses mixed-endian encoding:
// - First 4 bytes (Data1): little-endian
// - Next 2 bytes (Data2): little-endian
// - Next 2 bytes (Data3): little-endian
// - Last 8 bytes (Data4): big-endian
func GUIDBytesToString(guidBytes []byte) (string, error) {
	if len(guidBytes) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(guidBytes))
	}

	standard := make([]byte, GUIDBytesLength)
	standard[0], standard[1], standard[2], standard[3] = guidBytes[3], guidBytes[2], guidBytes[1], guidBytes[0]
	standard[4], standard[5] = guidBytes[5], guidBytes[4]
	standard[6], standard[7] = guidBytes[7], guidBytes[6]
	copy(standard[8:], guidBytes[8:])

	id, err := uuid.FromBytes(standard)
	if err != nil {
		return "", fmt.Errorf("invalid GUID bytes: %w", err)
	}

	return id.String(), nil
}
