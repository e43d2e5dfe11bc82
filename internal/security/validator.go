// Package security implements the admission pipeline for lead-capture
// submissions: injection-signature screening, field validation and
// sanitization, per-IP rate limiting with escalation to temporary blocks,
// and a bounded security event log.
package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// SubmissionKind selects which field rules apply.
type SubmissionKind string

const (
	KindWaitlist SubmissionKind = "waitlist"
	KindContact  SubmissionKind = "contact"
)

// Field length and format rules.
const (
	nameMinLen  = 2
	nameMaxLen  = 100
	emailMaxLen = 255
	phoneMaxLen = 20
	queryMinLen = 10
	queryMaxLen = 2000

	// Last-resort truncation applied after validation passes.
	sanitizeMaxLen = 1000
)

var (
	nameRegex  = regexp.MustCompile(`^[A-Za-z][A-Za-z '\-]*$`)
	validEmail = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	phoneRegex = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

	eventAttrRegex = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
	jsProtoRegex   = regexp.MustCompile(`(?i)javascript\s*:`)
)

var contactCategories = map[string]bool{
	"general":     true,
	"partnership": true,
	"press":       true,
	"support":     true,
}

// ValidationResult is the outcome of validating one submission.
// Sanitized holds cleaned values only when IsValid is true.
type ValidationResult struct {
	IsValid         bool
	Sanitized       map[string]string
	Errors          []string
	SuspiciousField string
	SuspiciousClass string
}

// Validate checks and cleans untrusted submission fields. Signature screening
// runs before format validation: a field matching an injection signature
// fails the whole request and is reported via SuspiciousField/Class so the
// caller can record a security event. The request is rejected, not cleaned.
func Validate(fields map[string]string, kind SubmissionKind) ValidationResult {
	res := ValidationResult{Sanitized: make(map[string]string)}

	for field, value := range fields {
		if class := findSuspicious(value); class != "" {
			res.SuspiciousField = field
			res.SuspiciousClass = class
			res.Errors = append(res.Errors, fmt.Sprintf("%s contains disallowed content", field))
			return res
		}
	}

	name := strings.TrimSpace(fields["name"])
	switch {
	case len(name) < nameMinLen || len(name) > nameMaxLen:
		res.Errors = append(res.Errors, fmt.Sprintf("name must be %d-%d characters", nameMinLen, nameMaxLen))
	case !nameRegex.MatchString(name):
		res.Errors = append(res.Errors, "name may only contain letters, spaces, hyphens, and apostrophes")
	default:
		res.Sanitized["name"] = sanitize(name)
	}

	email := strings.ToLower(strings.TrimSpace(fields["email"]))
	if len(email) > emailMaxLen || !validEmail.MatchString(email) {
		res.Errors = append(res.Errors, "email address is not valid")
	} else {
		res.Sanitized["email"] = email
	}

	// Phone is optional: absent is valid, present must parse.
	if phone := normalizePhone(fields["phone"]); phone != "" {
		if len(phone) > phoneMaxLen || !phoneRegex.MatchString(phone) {
			res.Errors = append(res.Errors, "phone number is not valid")
		} else {
			res.Sanitized["phone"] = phone
		}
	}

	if kind == KindContact {
		query := strings.TrimSpace(fields["query"])
		if len(query) < queryMinLen || len(query) > queryMaxLen {
			res.Errors = append(res.Errors, fmt.Sprintf("query must be %d-%d characters", queryMinLen, queryMaxLen))
		} else {
			res.Sanitized["query"] = sanitize(query)
		}

		category := strings.ToLower(strings.TrimSpace(fields["category"]))
		if category == "" {
			category = "general"
		}
		if !contactCategories[category] {
			res.Errors = append(res.Errors, "unknown category")
		} else {
			res.Sanitized["category"] = category
		}
	}

	res.IsValid = len(res.Errors) == 0
	if !res.IsValid {
		res.Sanitized = nil
	}
	return res
}

// sanitize strips markup-significant characters after validation has already
// passed. Defense in depth only: values reaching here matched the field
// format rules and no injection signature.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "<", "")
	s = strings.ReplaceAll(s, ">", "")
	s = jsProtoRegex.ReplaceAllString(s, "")
	s = eventAttrRegex.ReplaceAllString(s, "")
	if len(s) > sanitizeMaxLen {
		// Cut at a rune boundary so the stored value stays valid UTF-8.
		cut := sanitizeMaxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return strings.TrimSpace(s)
}

// normalizePhone strips separators commonly typed into phone fields.
func normalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	return replacer.Replace(phone)
}
