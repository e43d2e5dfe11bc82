package security

import "regexp"

// signature is a compiled injection signature associated with an attack class.
// Matching any signature rejects the whole request; values are never silently
// cleaned, so a probe can't learn which characters survive.
type signature struct {
	class string
	re    *regexp.Regexp
}

var suspiciousSignatures = []signature{
	{"xss", regexp.MustCompile(`(?i)<\s*script\b`)},
	{"xss", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"xss", regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)},
	{"xss", regexp.MustCompile(`(?i)<\s*iframe\b|<\s*object\b|<\s*embed\b`)},
	{"js_eval", regexp.MustCompile(`(?i)\beval\s*\(`)},
	{"js_eval", regexp.MustCompile(`(?i)String\.fromCharCode|atob\s*\(|Function\s*\(`)},
	{"nosql", regexp.MustCompile(`(?i)\$(where|ne|gt|lt|gte|lte|regex|in|nin|or|and|not|exists)\b`)},
	{"sql", regexp.MustCompile(`(?i)\bunion\b.{0,20}\bselect\b`)},
	{"sql", regexp.MustCompile(`(?i)\bdrop\s+table\b|\bdelete\s+from\b|\binsert\s+into\b`)},
	{"sql", regexp.MustCompile(`(?i)\bor\b\s+1\s*=\s*1\b|\bsleep\s*\(|pg_sleep\s*\(`)},
	{"traversal", regexp.MustCompile(`\.\./|\.\.\\|%2e%2e%2f`)},
	{"traversal", regexp.MustCompile(`(?i)/etc/passwd|/proc/self/`)},
	{"template", regexp.MustCompile(`\{\{[^}]+\}\}|\$\{[^}]+\}`)},
	{"prototype", regexp.MustCompile(`__proto__|constructor\.prototype`)},
}

// findSuspicious returns the attack class of the first signature the value
// matches, or "" when the value is clean.
func findSuspicious(value string) string {
	for _, sig := range suspiciousSignatures {
		if sig.re.MatchString(value) {
			return sig.class
		}
	}
	return ""
}
