package content

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// hashDomain separates content hashes from any other SHA-256 use in the
// system; the zero byte ends the prefix unambiguously.
const hashDomain = "marain/content/v1"

// HashFields computes the content hash over user-visible fields only.
// Serialization is JSON with sorted keys, so two maps with the same
// entries hash identically regardless of insertion order.
func HashFields(fields map[string]any) string {
	data, err := json.Marshal(fields)
	if err != nil {
		// Field values come from validated input; the only way Marshal can
		// fail is an unsupported type, which validation already rejects.
		data = []byte("{}")
	}
	return hashWithDomain(data)
}

// HashValue hashes a single side-table value.
func HashValue(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		data = []byte("null")
	}
	return hashWithDomain(data)
}

// HasContentChanged reports whether a proposed field set differs from the
// stored hash. Drives the update short-circuit and cache validity.
func HasContentChanged(storedHash string, fields map[string]any) bool {
	return storedHash != HashFields(fields)
}

func hashWithDomain(data []byte) string {
	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
