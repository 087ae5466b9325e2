package deduplication

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"recipecheck/types"
)

// CanonicalKey is the normalized, field-ordered projection of an order used
// for exact-match deduplication. Two orders are the same order iff their keys
// are equal.
type CanonicalKey struct {
	tokens []string
}

// Canonicalize normalizes every order field and returns the comparison key.
// It is a pure function of the order's values.
func Canonicalize(o types.Order) CanonicalKey {
	fields := o.Fields()
	tokens := make([]string, len(fields))
	for i, f := range fields {
		tokens[i] = CanonicalToken(f.Value)
	}
	return CanonicalKey{tokens: tokens}
}

// CanonicalToken normalizes a single field value: text is trimmed and
// lowercased, numbers use the shortest decimal form that round-trips (so 3,
// 3.0 and 3.00 all become "3") and dates use YYYY-MM-DD.
func CanonicalToken(v any) string {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case int64:
		s = strconv.FormatInt(x, 10)
	case int:
		s = strconv.Itoa(x)
	case float64:
		s = FormatNumber(x)
	case types.Date:
		s = x.String()
	default:
		s = fmt.Sprint(x)
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// FormatNumber is the canonical numeric form: plain decimal notation with no
// trailing zeros, negative zero folded into zero.
func FormatNumber(f float64) string {
	if f == 0 {
		return "0"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Tokens returns a copy of the normalized field values in declaration order.
func (k CanonicalKey) Tokens() []string {
	out := make([]string, len(k.tokens))
	copy(out, k.tokens)
	return out
}

// IsZero reports whether the key was never computed.
func (k CanonicalKey) IsZero() bool {
	return len(k.tokens) == 0
}

// Equal reports whether both keys hold the same tokens.
func (k CanonicalKey) Equal(other CanonicalKey) bool {
	if len(k.tokens) != len(other.tokens) {
		return false
	}
	for i := range k.tokens {
		if k.tokens[i] != other.tokens[i] {
			return false
		}
	}
	return true
}

// String encodes the key as a JSON array, which cannot be confused by
// separator characters inside field values.
func (k CanonicalKey) String() string {
	b, _ := json.Marshal(k.tokens) // []string cannot fail to marshal
	return string(b)
}

// Hash is the hex SHA-256 of String. Stores enforce uniqueness on it.
func (k CanonicalKey) Hash() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}
