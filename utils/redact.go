package utils

import "regexp"

var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), "[REDACTED PRIVATE KEY]"},
	{regexp.MustCompile(`\b(rk|dt)_[A-Za-z0-9_\-]{8,}`), "${1}_[REDACTED]"},
	{regexp.MustCompile(`\bwhsec_[0-9a-fA-F]{8,}`), "whsec_[REDACTED]"},
	{regexp.MustCompile(`(?i)(x-api-key|x-device-token|api_key|authorization)(["']?\s*[:=]\s*["']?)[^\s"',&]+`), "${1}${2}[REDACTED]"},
}

// Redact rewrites anything that looks like a relay credential, webhook
// secret or private key so the string is safe to log or persist.
func Redact(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}
