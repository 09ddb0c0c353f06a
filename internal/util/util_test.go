package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int
	}{
		{"outbox ID format", "outbox_", 32, 39},
		{"custom prefix", "test_", 16, 21},
		{"empty prefix", "", 8, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("GenerateRandomID() = %v, want prefix %v", got, tt.prefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %v, want %v", len(got), tt.wantLength)
			}
			if hexPart := got[len(tt.prefix):]; !isValidHex(hexPart) {
				t.Errorf("GenerateRandomID() hex part = %v is not valid hex", hexPart)
			}
		})
	}
}

func TestGenerateRandomHex(t *testing.T) {
	for _, n := range []int{-1, 0, 1, 12, 64} {
		got := GenerateRandomHex(n)
		want := n
		if want < 0 {
			want = 0
		}
		if len(got) != want {
			t.Errorf("GenerateRandomHex(%d) length = %d", n, len(got))
		}
		if !isValidHex(got) {
			t.Errorf("GenerateRandomHex(%d) = %v is not valid hex", n, got)
		}
	}
}

func TestGenerateOutboxID(t *testing.T) {
	got := GenerateOutboxID()
	if !strings.HasPrefix(got, "outbox_") || len(got) != 39 {
		t.Errorf("GenerateOutboxID() = %v", got)
	}
}

func TestRandomIDUniqueness(t *testing.T) {
	const iterations = 1000
	seen := make(map[string]bool)

	for i := 0; i < iterations; i++ {
		id := GenerateRandomID("test_", 16)
		if seen[id] {
			t.Errorf("GenerateRandomID() generated duplicate: %v", id)
		}
		seen[id] = true
	}
}

func TestParseBoolEnv(t *testing.T) {
	const key = "ENGAGEPIPE_TEST_BOOL"
	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"", true, true},
		{"", false, false},
		{"true", false, true},
		{"YES", false, true},
		{" on ", false, true},
		{"1", false, true},
		{"false", true, false},
		{"off", true, false},
		{"0", true, false},
		{"maybe", true, true},
		{"maybe", false, false},
	}
	for _, tt := range tests {
		t.Setenv(key, tt.value)
		if got := ParseBoolEnv(key, tt.def); got != tt.expected {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.expected)
		}
	}
}

func isValidHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
