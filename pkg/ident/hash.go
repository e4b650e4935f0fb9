package ident

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// CanonicalJSON renders v with lexicographically sorted object keys and
// compact separators. Two structurally equal payloads always produce
// identical bytes regardless of field order in the source document.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}
	// Round-trip through interface{} so maps re-marshal with sorted keys
	// and struct field order stops mattering.
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("canonical json: decode: %w", err)
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("canonical json: re-marshal: %w", err)
	}
	return out, nil
}

// RequestHash fingerprints a request payload as hex(sha256(canonical)).
// Used by the idempotency controller to detect payload mismatches.
func RequestHash(v any) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// TokenRef derives a stable user reference from a bearer credential.
// The raw token never leaves this function.
func TokenRef(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "u_" + hex.EncodeToString(sum[:])[:32]
}

// PickIndex deterministically selects an index in [0, n) from the given
// parts. Equal inputs always pick the same slot; used for fallback
// tie-breaking so retried steps stay stable.
func PickIndex(n int, parts ...string) int {
	if n <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(n))
}
