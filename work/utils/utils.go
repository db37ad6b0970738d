package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// LogURL returns either the original URL or an obfuscated version for logging.
// Stream URLs carry the path token that grants access to a channel, so the
// token segment is masked whenever obfuscation is enabled.
func LogURL(obfuscate bool, rawURL string) string {
	if obfuscate {
		return ObfuscateURL(rawURL)
	}
	return rawURL
}

// ObfuscateURL keeps scheme, host and the leading path segments of a URL while
// masking the final path segment, query and fragment.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil || u.Host == "" {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(segments) > 1 {
			result += "/" + strings.Join(segments[:len(segments)-1], "/")
		}
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// MaskToken shortens a secret token to its first four characters for log lines.
func MaskToken(token string) string {
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "***"
}

// FormatBytes renders a byte count using binary units.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
