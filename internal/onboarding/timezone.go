package onboarding

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/textpilot/textpilot/internal/models"
)

// cityZones maps recognizable city and region tokens (lowercased) to IANA
// zone identifiers. Anything outside this table, a loadable IANA zone, or a
// numeric UTC offset is rejected as unrecognized input rather than guessed.
var cityZones = map[string]string{
	"new york":      "America/New_York",
	"nyc":           "America/New_York",
	"boston":        "America/New_York",
	"toronto":       "America/Toronto",
	"chicago":       "America/Chicago",
	"houston":       "America/Chicago",
	"dallas":        "America/Chicago",
	"denver":        "America/Denver",
	"phoenix":       "America/Phoenix",
	"los angeles":   "America/Los_Angeles",
	"la":            "America/Los_Angeles",
	"san francisco": "America/Los_Angeles",
	"seattle":       "America/Los_Angeles",
	"vancouver":     "America/Vancouver",
	"anchorage":     "America/Anchorage",
	"honolulu":      "Pacific/Honolulu",
	"mexico city":   "America/Mexico_City",
	"sao paulo":     "America/Sao_Paulo",
	"london":        "Europe/London",
	"dublin":        "Europe/Dublin",
	"paris":         "Europe/Paris",
	"berlin":        "Europe/Berlin",
	"madrid":        "Europe/Madrid",
	"rome":          "Europe/Rome",
	"amsterdam":     "Europe/Amsterdam",
	"moscow":        "Europe/Moscow",
	"dubai":         "Asia/Dubai",
	"mumbai":        "Asia/Kolkata",
	"delhi":         "Asia/Kolkata",
	"singapore":     "Asia/Singapore",
	"hong kong":     "Asia/Hong_Kong",
	"shanghai":      "Asia/Shanghai",
	"beijing":       "Asia/Shanghai",
	"tokyo":         "Asia/Tokyo",
	"seoul":         "Asia/Seoul",
	"sydney":        "Australia/Sydney",
	"melbourne":     "Australia/Melbourne",
	"auckland":      "Pacific/Auckland",
}

// offsetPattern matches numeric UTC offsets like "UTC-7", "GMT+2", "+05:30".
var offsetPattern = regexp.MustCompile(`^(?:utc|gmt)?\s*([+-])\s*(\d{1,2})(?::(\d{2}))?$`)

// storedOffsetPattern matches the canonical offset form this package stores.
var storedOffsetPattern = regexp.MustCompile(`^UTC([+-])(\d{2}):(\d{2})$`)

// ResolveTimezone canonicalizes user timezone input to either an IANA zone
// identifier or a normalized "UTC±HH:MM" offset. It accepts, in order:
// a loadable IANA identifier (case-normalized), a known city token, the
// literal "utc"/"gmt", or a numeric offset. Everything else fails with
// models.ErrUnrecognizedInput.
func ResolveTimezone(input string) (string, error) {
	text := strings.TrimSpace(input)
	if text == "" {
		return "", models.ErrUnrecognizedInput
	}
	lower := strings.ToLower(text)

	if lower == "utc" || lower == "gmt" {
		return "UTC", nil
	}

	if strings.Contains(text, "/") {
		canonical := canonicalZoneName(text)
		if _, err := time.LoadLocation(canonical); err == nil {
			return canonical, nil
		}
		return "", models.ErrUnrecognizedInput
	}

	if zone, ok := cityZones[lower]; ok {
		return zone, nil
	}

	if m := offsetPattern.FindStringSubmatch(lower); m != nil {
		hours, _ := strconv.Atoi(m[2])
		minutes := 0
		if m[3] != "" {
			minutes, _ = strconv.Atoi(m[3])
		}
		if hours > 14 || minutes > 59 {
			return "", models.ErrUnrecognizedInput
		}
		return fmt.Sprintf("UTC%s%02d:%02d", m[1], hours, minutes), nil
	}

	return "", models.ErrUnrecognizedInput
}

// canonicalZoneName normalizes the case of an IANA-style identifier so
// inputs like "america/new_york" resolve. Each name segment is title-cased
// per underscore-separated word, matching tzdata naming.
func canonicalZoneName(input string) string {
	parts := strings.Split(strings.TrimSpace(input), "/")
	for i, part := range parts {
		words := strings.Split(part, "_")
		for j, w := range words {
			if w == "" {
				continue
			}
			words[j] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
		}
		parts[i] = strings.Join(words, "_")
	}
	return strings.Join(parts, "/")
}

// LoadUserLocation returns the time.Location for a canonical timezone value
// stored on a user. Offset values ("UTC-07:00") become fixed zones; bad or
// empty values fall back to UTC.
func LoadUserLocation(tz string) *time.Location {
	if tz == "" || tz == "UTC" {
		return time.UTC
	}
	if loc, err := time.LoadLocation(tz); err == nil {
		return loc
	}
	if m := storedOffsetPattern.FindStringSubmatch(tz); m != nil {
		hours, _ := strconv.Atoi(m[2])
		minutes, _ := strconv.Atoi(m[3])
		offset := hours*3600 + minutes*60
		if m[1] == "-" {
			offset = -offset
		}
		return time.FixedZone(tz, offset)
	}
	return time.UTC
}
