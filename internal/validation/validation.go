// Package validation provides input validation for API boundaries.
//
// Loosely-typed operator form posts are validated here before anything
// reaches the engine; the engine packages only ever see typed requests.
package validation

import (
	"fmt"
	"math/big"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

var (
	// ethAddressRegex validates Ethereum addresses
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// txHashRegex validates transaction hashes
	txHashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	// fingerprintRegex validates client device fingerprints (opaque base62-ish token)
	fingerprintRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidWalletAddress checks if a string is a valid Ethereum address
func IsValidWalletAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidTxHash checks if a string is a valid transaction hash
func IsValidTxHash(hash string) bool {
	return txHashRegex.MatchString(hash)
}

// IsValidFingerprint checks a client-submitted device fingerprint.
// Fingerprints are opaque; only shape and length are enforced.
func IsValidFingerprint(fp string) bool {
	return fingerprintRegex.MatchString(fp)
}

// IsValidIP checks if a string parses as an IPv4 or IPv6 address
func IsValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}

// ValidateAmount parses a decimal token amount string and rejects
// non-positive or malformed values.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount is required")
	}
	f, ok := new(big.Float).SetString(amount)
	if !ok {
		return fmt.Errorf("amount %q is not a number", amount)
	}
	if f.Sign() <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// SanitizeString trims whitespace, strips null bytes, and caps length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// SanitizeAddress normalizes a wallet address to lowercase
func SanitizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
