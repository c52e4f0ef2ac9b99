package pairing

import (
	"context"
	"net"
	"regexp"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// ErrInvalidPhone is returned for numbers that are not 10-15 digits after normalization.
var ErrInvalidPhone = errors.New("Invalid phone number. Use 10-15 digits (e.g., 254111255045)")

var (
	phoneStrip   = regexp.MustCompile(`[\s+\-]`)
	phonePattern = regexp.MustCompile(`^\d{10,15}$`)
)

// NormalizePhone strips spaces, '+' and '-' and validates the remaining digits.
func NormalizePhone(raw string) (string, error) {
	phone := phoneStrip.ReplaceAllString(raw, "")
	if !phonePattern.MatchString(phone) {
		return "", ErrInvalidPhone
	}
	return phone, nil
}

// Setup failure categories surfaced to HTTP callers.
const (
	SetupTimeout        = "Connection timeout"
	SetupRefused        = "Cannot connect to WhatsApp servers"
	SetupNetwork        = "Network error"
	SetupInvalidPhone   = "Invalid phone number"
	SetupRestartNeeded  = "Pairing successful! Restart needed"
	SetupGenericFailure = "Pairing failed"
)

// ClassifySetupError maps a failure to initialize the connection onto a user-facing category.
func ClassifySetupError(err error) string {
	if err == nil {
		return SetupGenericFailure
	}
	var dnsErr *net.DNSError
	var netErr net.Error
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(msg, "timeout"):
		return SetupTimeout
	case errors.Is(err, syscall.ECONNREFUSED), strings.Contains(msg, "connection refused"):
		return SetupRefused
	case errors.As(err, &dnsErr), strings.Contains(msg, "no such host"):
		return SetupNetwork
	case errors.Is(err, ErrInvalidPhone), strings.Contains(msg, "invalid phone"):
		return SetupInvalidPhone
	case strings.Contains(msg, "515"):
		return SetupRestartNeeded
	case errors.As(err, &netErr):
		return SetupNetwork
	}
	return SetupGenericFailure
}
