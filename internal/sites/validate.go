package sites

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/idna"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrInvalidDomain     = errors.New("invalid domain name")
	ErrInvalidLabel      = errors.New("invalid website label")
	ErrInvalidPHPVersion = errors.New("invalid PHP version")
	ErrSlugExhausted     = errors.New("no free slug")

	// Must start and end with alphanumeric, no consecutive dots
	domainRegex = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z][a-z0-9-]{0,61}[a-z0-9]$`)

	phpVersionRegex = regexp.MustCompile(`^[0-9]\.[0-9]{1,2}$`)

	slugStrip    = regexp.MustCompile(`[^\w\s-]`)
	slugCollapse = regexp.MustCompile(`[-\s]+`)
)

// NormalizeDomain lower-cases, punycodes and validates a domain name.
func NormalizeDomain(domain string) (string, error) {
	d := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if d == "" || len(d) > 253 {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidDomain, domain, err)
	}
	if !domainRegex.MatchString(ascii) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return ascii, nil
}

// ValidatePHPVersion accepts versions like 8.3 or 7.4
func ValidatePHPVersion(v string) error {
	if !phpVersionRegex.MatchString(v) {
		return fmt.Errorf("%w: %q", ErrInvalidPHPVersion, v)
	}
	return nil
}

// Slugify turns a label into a lower-case, ASCII, dash separated token.
func Slugify(label string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, label)
	if err != nil {
		s = label
	}
	// drop anything still outside ASCII
	s = strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return -1
		}
		return r
	}, s)
	s = slugStrip.ReplaceAllString(strings.ToLower(s), "")
	s = slugCollapse.ReplaceAllString(strings.TrimSpace(s), "-")
	return strings.Trim(s, "-_")
}

// UniqueSlug returns the first of base, base-1, base-2 ... that taken
// reports as free.
func UniqueSlug(label string, taken func(slug string) (bool, error)) (string, error) {
	base := Slugify(label)
	if base == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	candidate := base
	for i := 1; i <= 10000; i++ {
		used, err := taken(candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
	return "", ErrSlugExhausted
}
