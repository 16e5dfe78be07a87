package security

import (
	"net/url"
	"regexp"
	"strings"
)

// sensitivePatterns contains regex patterns for sensitive data.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|secret|private[_-]?key|access[_-]?token|auth[_-]?token|password|auth_token|ct0)[=:\s]+["']?([^\s"',;]+)["']?`),
	regexp.MustCompile(`(sk-[A-Za-z0-9_-]{20,})`), // OpenAI keys
}

// MaskCredential masks a credential for display.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// MaskEndpoint hides the per-device token in a push endpoint, keeping the
// push service host visible for logs.
func MaskEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return MaskCredential(endpoint)
	}
	return u.Scheme + "://" + u.Host + "/" + MaskCredential(strings.TrimPrefix(u.Path, "/"))
}

// MaskString masks secrets embedded in free text such as error messages.
func MaskString(input string) string {
	result := input

	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			parts := strings.SplitN(match, "=", 2)
			if len(parts) == 2 {
				return parts[0] + "=" + MaskCredential(strings.Trim(parts[1], "\"' "))
			}
			parts = strings.SplitN(match, ":", 2)
			if len(parts) == 2 {
				return parts[0] + ":" + MaskCredential(strings.Trim(parts[1], "\"' "))
			}
			return MaskCredential(match)
		})
	}

	return result
}

// ContainsSensitiveData checks if a string contains sensitive data patterns.
func ContainsSensitiveData(input string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(input) {
			return true
		}
	}
	return false
}
