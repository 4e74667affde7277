package domain

import (
	"regexp"
	"strings"
)

// DefaultCountryCode is used when no country code is configured.
const DefaultCountryCode = "+1"

var countryCodePattern = regexp.MustCompile(`^\+\d+$`)

// ValidateCountryCode checks the "+<digits>" format.
func ValidateCountryCode(code string) error {
	if !countryCodePattern.MatchString(code) {
		return &ConfigError{
			Key:    "DEFAULT_PHONE_COUNTRY_CODE",
			Reason: "must be in format '+[digits]' (e.g. '+1', '+44', '+61'), got " + `"` + code + `"`,
		}
	}
	return nil
}

// PhoneNormalizer converts phone strings to the canonical lookup form used as cache and ledger keys.
// The default country code is validated once at construction.
type PhoneNormalizer struct {
	countryDigits string
}

func NewPhoneNormalizer(defaultCountryCode string) (*PhoneNormalizer, error) {
	if defaultCountryCode == "" {
		defaultCountryCode = DefaultCountryCode
	}
	if err := ValidateCountryCode(defaultCountryCode); err != nil {
		return nil, err
	}
	return &PhoneNormalizer{countryDigits: strings.TrimPrefix(defaultCountryCode, "+")}, nil
}

// Normalize never fails: input that cannot be interpreted degrades to best-effort digit extraction,
// and input with no digits yields "".
func (n *PhoneNormalizer) Normalize(input string) string {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return ""
	}

	digits := onlyDigits(raw)
	if digits == "" {
		return ""
	}

	if strings.HasPrefix(raw, "+") {
		return "+" + digits
	}

	if strings.HasPrefix(raw, "00") {
		rest := strings.TrimPrefix(digits, "00")
		if rest == "" {
			return ""
		}
		return "+" + rest
	}

	switch {
	case len(digits) == 10:
		return "+" + n.countryDigits + digits
	case len(digits) == 11 && digits[0] == '1':
		// NANP: always +1, whatever the configured default.
		return "+" + digits
	default:
		return "+" + digits
	}
}

// NormalizePhone is the one-shot form of PhoneNormalizer.Normalize.
func NormalizePhone(input, defaultCountryCode string) (string, error) {
	n, err := NewPhoneNormalizer(defaultCountryCode)
	if err != nil {
		return "", err
	}
	return n.Normalize(input), nil
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
