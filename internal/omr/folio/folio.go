// Package folio turns decoded QR/barcode text into the folio of an exam sheet.
package folio

import (
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrQrUndecodable indicates no barcode text could be read.
	ErrQrUndecodable = errors.New("qr code could not be decoded")
	// ErrQrNotAFolio indicates the code was read but it is an access link, not an exam sheet.
	ErrQrNotAFolio = errors.New("qr code does not identify an exam sheet")
)

var (
	examPattern  = regexp.MustCompile(`(?i)EXAMEN:([^:\s]+)(?::P(\d+))?`)
	folioPattern = regexp.MustCompile(`(?i)FOLIO[-_ ]?[A-Z0-9]+`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// Folio is a parsed exam identifier. Page is zero when the code carries no page hint.
type Folio struct {
	Token string `json:"folio"`
	Page  int    `json:"page,omitempty"`
}

// Extract returns the folio token in text, or "" when the text is an access URL.
func Extract(text string) string {
	parsed, err := Parse(text)
	if err != nil {
		return ""
	}
	return parsed.Token
}

// Parse applies the folio rules in order; the first that matches wins.
func Parse(text string) (Folio, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Folio{}, ErrQrUndecodable
	}

	if match := examPattern.FindStringSubmatch(trimmed); match != nil {
		result := Folio{Token: strings.ToUpper(match[1])}
		if match[2] != "" {
			if page, err := strconv.Atoi(match[2]); err == nil {
				result.Page = page
			}
		}
		return result, nil
	}

	if match := folioPattern.FindString(trimmed); match != "" {
		return Folio{Token: strings.ToUpper(whitespace.ReplaceAllString(match, ""))}, nil
	}

	if isAbsoluteHTTP(trimmed) {
		return Folio{}, ErrQrNotAFolio
	}

	return Folio{Token: strings.ToUpper(trimmed)}, nil
}

// Equal compares two folios the way every consumer must: case-insensitively.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Normalize returns the canonical comparison form of a folio.
func Normalize(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

func isAbsoluteHTTP(text string) bool {
	parsed, err := url.Parse(text)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	return (scheme == "http" || scheme == "https") && parsed.Host != ""
}
