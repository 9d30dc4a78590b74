package security

import (
	"crypto/sha256"
	"encoding/hex"
)

// SenderHash returns the deployment-stable identifier hash for a sender:
// lowercase hex SHA-256 over salt||identifier. The same salt and identifier
// always map to the same stored value.
func SenderHash(salt, identifier string) string {
	h := sha256.New()
	h.Write([]byte(salt))
	h.Write([]byte(identifier))
	return hex.EncodeToString(h.Sum(nil))
}

// MaskSender renders a sender identifier safe for logs: short identifiers
// keep three leading and two trailing code points, longer ones four and
// four. Identifiers too short to mask meaningfully collapse to "****".
func MaskSender(s string) string {
	r := []rune(s)
	switch {
	case len(r) < 6:
		return "****"
	case len(r) <= 8:
		return string(r[:3]) + "****" + string(r[len(r)-2:])
	default:
		return string(r[:4]) + "****" + string(r[len(r)-4:])
	}
}
