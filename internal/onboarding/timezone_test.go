package onboarding

import (
	"testing"
	"time"

	"github.com/textpilot/textpilot/internal/models"
)

func TestResolveTimezone(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{"IANA zone", "America/New_York", "America/New_York", false},
		{"IANA zone lowercased", "america/new_york", "America/New_York", false},
		{"IANA zone mixed case", "eUrOpE/LONDON", "Europe/London", false},
		{"bogus IANA-like zone", "Mars/Olympus_Mons", "", true},
		{"city name", "Denver", "America/Denver", false},
		{"city name lowercased", "hong kong", "Asia/Hong_Kong", false},
		{"utc literal", "UTC", "UTC", false},
		{"gmt literal", "gmt", "UTC", false},
		{"negative offset", "UTC-7", "UTC-07:00", false},
		{"positive offset with minutes", "+05:30", "UTC+05:30", false},
		{"gmt offset", "GMT+2", "UTC+02:00", false},
		{"offset with space", "utc - 7", "UTC-07:00", false},
		{"offset too large", "UTC+15", "", true},
		{"empty", "", "", true},
		{"whitespace", "   ", "", true},
		{"garbage", "the moon", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveTimezone(tt.input)
			if tt.wantErr {
				if err != models.ErrUnrecognizedInput {
					t.Fatalf("expected ErrUnrecognizedInput, got %v (value %q)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("ResolveTimezone(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLoadUserLocation(t *testing.T) {
	if loc := LoadUserLocation(""); loc != time.UTC {
		t.Errorf("expected UTC for empty value, got %v", loc)
	}
	if loc := LoadUserLocation("garbage"); loc != time.UTC {
		t.Errorf("expected UTC fallback for bad value, got %v", loc)
	}

	loc := LoadUserLocation("America/New_York")
	if loc.String() != "America/New_York" {
		t.Errorf("expected America/New_York, got %v", loc)
	}

	// Stored offsets become fixed zones.
	loc = LoadUserLocation("UTC-07:00")
	ref := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	if got := ref.In(loc).Hour(); got != 5 {
		t.Errorf("expected 05:00 local for UTC-07:00, got hour %d", got)
	}
}
