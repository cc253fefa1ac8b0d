package domain

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	dErrors "carbonledger/pkg/domain-errors"
)

// maxIdentifierLength bounds caller-chosen identifiers at trust boundaries.
const maxIdentifierLength = 256

// Address is an opaque, globally unique account identity as authenticated by
// the host. The zero value is the null identity.
type Address string

// DeviceKey is the caller-chosen key a device is registered under.
type DeviceKey string

// CreditID is the ledger-assigned sequential credit identifier, starting at 0.
type CreditID uint64

func (a Address) String() string { return string(a) }

// IsNil reports whether a is the null identity.
func (a Address) IsNil() bool { return a == "" }

func (k DeviceKey) String() string { return string(k) }

func (k DeviceKey) IsNil() bool { return k == "" }

func (c CreditID) String() string { return strconv.FormatUint(uint64(c), 10) }

// ParseAddress validates an identity received at a trust boundary.
func ParseAddress(s string) (Address, error) {
	v, err := parseIdentifier("address", s)
	if err != nil {
		return "", err
	}
	return Address(v), nil
}

// ParseDeviceKey validates a device key received at a trust boundary.
func ParseDeviceKey(s string) (DeviceKey, error) {
	v, err := parseIdentifier("device key", s)
	if err != nil {
		return "", err
	}
	return DeviceKey(v), nil
}

// ParseCreditID parses the decimal form of a credit identifier.
func ParseCreditID(s string) (CreditID, error) {
	if s == "" {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "credit id is required")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "credit id must be a non-negative integer")
	}
	return CreditID(n), nil
}

func parseIdentifier(kind, s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	if len(s) > maxIdentifierLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" is too long")
	}
	if !utf8.ValidString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" must be valid UTF-8")
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) || unicode.Is(unicode.Cf, r) {
			return "", dErrors.New(dErrors.CodeInvalidInput, kind+" contains invalid characters")
		}
	}
	return s, nil
}
