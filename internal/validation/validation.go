// Package validation checks wallet addresses, agent ids and request bodies.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 64KB. No governance payload is larger.
const MaxRequestSize = 64 << 10

// MaxAgentIDLength bounds agent identifiers.
const MaxAgentIDLength = 128

var (
	// Algorand-style address: 58 chars of RFC 4648 base32 without padding.
	walletRegex = regexp.MustCompile(`^[A-Z2-7]{58}$`)
	agentRegex  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)
	hexRegex    = regexp.MustCompile(`^[a-f0-9]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// NormalizeWallet trims and upper-cases a wallet address.
func NormalizeWallet(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// IsValidWallet reports whether addr (already normalized) is a wallet address.
func IsValidWallet(addr string) bool {
	return walletRegex.MatchString(addr)
}

// IsValidAgentID reports whether id is a usable agent identifier.
func IsValidAgentID(id string) bool {
	return len(id) <= MaxAgentIDLength && agentRegex.MatchString(id)
}

// IsValidHash reports whether s is a lowercase hex digest of n characters.
func IsValidHash(s string, n int) bool {
	return len(s) == n && hexRegex.MatchString(s)
}

// SanitizeString trims, drops NUL bytes and truncates to maxLen.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAgentID checks a non-empty agent id field.
func ValidAgentID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidAgentID(value) {
			return &ValidationError{Field: field, Message: "must be a valid agent id"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// WalletParamMiddleware normalizes the :wallet path parameter and rejects
// malformed addresses.
func WalletParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Param("wallet")
		if raw == "" {
			c.Next()
			return
		}
		addr := NormalizeWallet(raw)
		if !IsValidWallet(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_wallet",
				"message": "wallet must be a 58-character base32 address",
			})
			return
		}
		for i := range c.Params {
			if c.Params[i].Key == "wallet" {
				c.Params[i].Value = addr
			}
		}
		c.Next()
	}
}
