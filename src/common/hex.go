package common

import (
	"encoding/hex"
	"fmt"
)

// EncodeToString returns the UPPERCASE hex representation of raw bytes,
// prefixed with 0X. This is the format used for node ids and public keys
// throughout the codebase.
func EncodeToString(raw []byte) string {
	return fmt.Sprintf("0X%X", raw)
}

// DecodeFromString converts a hex string with a 0X prefix back to bytes.
func DecodeFromString(hexString string) ([]byte, error) {
	return hex.DecodeString(hexString[2:])
}
