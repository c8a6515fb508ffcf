package claimcode

import (
	"strings"
	"testing"
)

func TestGenerateAlphabet(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := Generate(DefaultLength)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != DefaultLength {
			t.Fatalf("unexpected length: %q", code)
		}
		for _, r := range code {
			if !strings.ContainsRune(Alphabet, r) {
				t.Fatalf("code %q contains %q outside alphabet", code, r)
			}
		}
	}
}

func TestGenerateLengthBounds(t *testing.T) {
	if _, err := Generate(MinLength - 1); err == nil {
		t.Fatalf("expected short length to fail")
	}
	if _, err := Generate(MaxLength + 1); err == nil {
		t.Fatalf("expected long length to fail")
	}
	if _, err := Generate(MaxLength); err != nil {
		t.Fatalf("expected max length to succeed: %v", err)
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"abcdef":    "ABCDEF",
		" AbC-Def ": "ABCDEF",
		"AB CD EF":  "ABCDEF",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValid(t *testing.T) {
	if !Valid("ABCDEF") {
		t.Fatalf("expected ABCDEF to be valid")
	}
	if Valid("ABCDE") {
		t.Fatalf("expected 5 chars to be invalid")
	}
	if Valid("ABCDE0") {
		t.Fatalf("expected 0 to be outside the alphabet")
	}
	if Valid("ABCDEI") {
		t.Fatalf("expected I to be outside the alphabet")
	}
}

func TestLengthForTTL(t *testing.T) {
	if got := LengthForTTL(300); got != DefaultLength {
		t.Fatalf("short ttl length = %d", got)
	}
	if got := LengthForTTL(86400); got != LongLength {
		t.Fatalf("long ttl length = %d", got)
	}
}
