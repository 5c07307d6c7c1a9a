package util

import (
	"crypto/rand"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func NewJobID() string {
	// ULID is sortable (nice for DB indexes and dashboards)
	t := time.Now().UTC()
	return "job_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

var (
	tagRe   = regexp.MustCompile(`<[^>]*>`)
	spaceRe = regexp.MustCompile(`\s+`)
	e164Re  = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)
)

// StripHTML produces a plain-text fallback from a rendered HTML body.
func StripHTML(s string) string {
	out := tagRe.ReplaceAllString(s, " ")
	out = strings.ReplaceAll(out, "&nbsp;", " ")
	out = strings.ReplaceAll(out, "&amp;", "&")
	out = strings.ReplaceAll(out, "&lt;", "<")
	out = strings.ReplaceAll(out, "&gt;", ">")
	return strings.TrimSpace(spaceRe.ReplaceAllString(out, " "))
}

func NormalizePhone(p string) string {
	return strings.ReplaceAll(strings.TrimSpace(p), " ", "")
}

func ValidE164(p string) bool {
	return e164Re.MatchString(p)
}
