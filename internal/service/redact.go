package service

import "regexp"

// secretParamPattern matches credential-looking query parameters in URLs.
var secretParamPattern = regexp.MustCompile(`(?i)((?:api[_-]?key|key|token|access_token|signature)=)[^&\s"]+`)

// Redact masks credential query parameters so URLs and errors can be logged.
func Redact(s string) string {
	return secretParamPattern.ReplaceAllString(s, "${1}[REDACTED]")
}
