package util

import (
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeIdentifier folds an externally supplied identifier (email,
// username, IP literal) to a canonical key form: NFKC, trimmed, lower-case.
// Visually identical inputs therefore share one rate-limit bucket.
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// URLToken encodes b as unpadded URL-safe base64, suitable for cookies.
func URLToken(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
