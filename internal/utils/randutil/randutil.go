package randutil

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// RandomHex returns 2*n lowercase hex characters.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Seed32 returns an unpredictable non-negative seed that fits in 32 bits.
func Seed32() (int64, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint32(b[:])), nil
}

// MaskString keeps visibleStart and visibleEnd characters of apiKey. Keys
// too short to keep anything hidden are masked completely.
func MaskString(apiKey string, visibleStart, visibleEnd int) string {
	if len(apiKey) <= visibleStart+visibleEnd {
		return strings.Repeat("*", len(apiKey))
	}

	start := apiKey[:visibleStart]
	end := apiKey[len(apiKey)-visibleEnd:]
	masked := start + strings.Repeat("*", len(apiKey)-(visibleStart+visibleEnd)) + end
	return masked
}
