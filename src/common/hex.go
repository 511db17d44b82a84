package common

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EncodeToString returns the lowercase string representation of hexBytes with
// the 0x prefix.
func EncodeToString(hexBytes []byte) string {
	return fmt.Sprintf("0x%x", hexBytes)
}

// DecodeFromString converts a hex string, with or without the 0x prefix, to a
// byte slice.
func DecodeFromString(hexString string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(hexString, "0x"), "0X")
	return hex.DecodeString(s)
}
