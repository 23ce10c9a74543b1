package notify

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`(?:\+?\d[\d()\-\s.]{7,}\d)`)
)

// Redact masks e-mail addresses and phone numbers in free text such as
// provider error messages before they reach logs or the ledger.
func Redact(value string) string {
	masked := emailPattern.ReplaceAllStringFunc(value, RedactEmail)
	return phonePattern.ReplaceAllStringFunc(masked, RedactPhone)
}

// RedactEmail keeps the first character of the local part and the domain.
func RedactEmail(address string) string {
	local, host, ok := strings.Cut(strings.TrimSpace(address), "@")
	if !ok || local == "" {
		return "[email_redacted]"
	}
	return local[:1] + "***@" + host
}

// RedactPhone keeps the last two digits.
func RedactPhone(number string) string {
	digits := make([]byte, 0, len(number))
	for i := 0; i < len(number); i++ {
		if number[i] >= '0' && number[i] <= '9' {
			digits = append(digits, number[i])
		}
	}
	if len(digits) < 4 {
		return "[phone_redacted]"
	}
	return "***" + string(digits[len(digits)-2:])
}
