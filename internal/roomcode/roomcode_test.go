package roomcode

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerate_FormatAndAlphabet(t *testing.T) {
	for i := 0; i < 200; i++ {
		code := Generate()
		if len(code) != Length {
			t.Fatalf("expected %d characters, got %q", Length, code)
		}
		if !Valid(code) {
			t.Fatalf("generated code %q does not validate", code)
		}
		for _, r := range code {
			if !strings.ContainsRune(Alphabet, r) {
				t.Fatalf("code %q contains %q outside the alphabet", code, r)
			}
		}
	}
}

func TestParse_AcceptedForms(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"bare code", "ABCD2345"},
		{"lower case code", "abcd2345"},
		{"padded code", "  ABCD2345 \n"},
		{"query link", "https://meet.example.com/?room=ABCD2345"},
		{"query link with other params", "https://meet.example.com/?lang=en&room=abcd2345"},
		{"path link", "https://meet.example.com/room/ABCD2345"},
		{"short path link", "http://localhost:3000/r/ABCD2345"},
		{"schemeless link", "meet.example.com/?room=ABCD2345"},
		{"relative query", "/?room=ABCD2345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.input, err)
			}
			if got != "ABCD2345" {
				t.Errorf("Parse(%q) = %q, want ABCD2345", tt.input, got)
			}
		})
	}
}

func TestParse_Rejected(t *testing.T) {
	for _, input := range []string{
		"",
		"ABC",
		"ABCD23456",
		"ABCD-345",
		"https://meet.example.com/",
		"https://meet.example.com/?room=SHORT",
		"https://meet.example.com/room/",
	} {
		if _, err := Parse(input); !errors.Is(err, ErrInvalidCode) {
			t.Errorf("Parse(%q): expected ErrInvalidCode, got %v", input, err)
		}
	}
}

func TestLink_RoundTripsThroughParse(t *testing.T) {
	code := Generate()
	link := Link("https://meet.example.com/", code)

	if link != "https://meet.example.com/?room="+code {
		t.Fatalf("unexpected link %q", link)
	}

	fromLink, err := Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	fromCode, err := Parse(code)
	if err != nil {
		t.Fatalf("parse code: %v", err)
	}
	if fromLink != fromCode {
		t.Errorf("link and bare code disagree: %q vs %q", fromLink, fromCode)
	}
}
