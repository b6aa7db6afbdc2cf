package logging

import (
	"fmt"
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces secrets in log output.
const RedactedPlaceholder = "[REDACTED]"

// maxInlineBytes is the largest byte payload logged verbatim.
const maxInlineBytes = 256

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+[a-zA-Z0-9._-]{20,})`),
	regexp.MustCompile(`(?i)(basic\s+[a-zA-Z0-9+/=]{12,})`),
	regexp.MustCompile(`(?i)(password\s*[:=]\s*[^\s,;]{4,})`),
	regexp.MustCompile(`(?i)(secret\s*[:=]\s*[^\s,;]{8,})`),
	regexp.MustCompile(`(?i)(token\s*[:=]\s*[^\s,;]{8,})`),
	regexp.MustCompile(`(?i)(api_key\s*[:=]\s*[^\s,;]{8,})`),
}

// base64Blob matches long base64 runs, which in this program are image,
// mask or pixel payloads on their way to the backend or report endpoint.
var base64Blob = regexp.MustCompile(`[A-Za-z0-9+/]{256,}={0,2}`)

// Field-name fragments whose values are never logged.
var sensitiveFieldNames = []string{
	"PASSWORD",
	"PWD",
	"SECRET",
	"TOKEN",
	"API_KEY",
	"APIKEY",
	"AUTHORIZATION",
	"IMAGE_DATA",
	"MASK_DATA",
}

// RedactSensitiveData scrubs credentials and base64 payloads from a string.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	result := value
	for _, p := range sensitivePatterns {
		result = p.ReplaceAllString(result, RedactedPlaceholder)
	}
	return base64Blob.ReplaceAllStringFunc(result, func(m string) string {
		return fmt.Sprintf("[base64 %d chars]", len(m))
	})
}

// IsSensitiveField reports whether a field name implies a secret or payload.
func IsSensitiveField(name string) bool {
	upper := strings.ToUpper(name)
	for _, frag := range sensitiveFieldNames {
		if strings.Contains(upper, frag) {
			return true
		}
	}
	return false
}

// ContainsSensitiveData reports whether RedactSensitiveData would change value.
func ContainsSensitiveData(value string) bool {
	return value != "" && RedactSensitiveData(value) != value
}

func payloadPlaceholder(n int) string {
	return fmt.Sprintf("[%d bytes]", n)
}
