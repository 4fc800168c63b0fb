package utils

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestNewClientID(t *testing.T) {
	id1 := NewClientID()
	id2 := NewClientID()

	if id1 == id2 {
		t.Error("expected different IDs")
	}
	if len(id1) != 36 {
		t.Errorf("expected uuid string, got %s", id1)
	}
}

func TestGenerateCode(t *testing.T) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	code, err := GenerateCode(nil, alphabet, 6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("expected 6 characters, got %q", code)
	}
	for _, r := range code {
		if !strings.ContainsRune(alphabet, r) {
			t.Errorf("character %q outside alphabet", r)
		}
	}
}

func TestGenerateCode_ShortReader(t *testing.T) {
	_, err := GenerateCode(bytes.NewReader(nil), "AB", 6)
	if err == nil {
		t.Fatal("expected error from exhausted reader")
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal string", "hello", "hello"},
		{"with control chars", "hello\x00world", "helloworld"},
		{"with newline", "hello\nworld", "helloworld"},
		{"with whitespace", "  hello  ", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeString(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeString(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short", "Alice", 10, "Alice"},
		{"ellipsis", "Alexandria", 6, "Ale..."},
		{"tiny limit", "Alexandria", 2, "Al"},
		{"multibyte", "ありがとうございます", 5, "あり..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateString(tt.input, tt.maxLen); got != tt.expected {
				t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.expected)
			}
		})
	}
}

func TestMaskSensitive(t *testing.T) {
	if got := MaskSensitive("secret-token", 3); got != "sec*********" {
		t.Errorf("unexpected mask %q", got)
	}
	if got := MaskSensitive("ab", 3); got != "**" {
		t.Errorf("unexpected mask %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestIsExpiredAt(t *testing.T) {
	created := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if IsExpiredAt(created, created.Add(5*time.Minute), 5*time.Minute) {
		t.Error("exactly ttl old should not be expired")
	}
	if !IsExpiredAt(created, created.Add(5*time.Minute+time.Second), 5*time.Minute) {
		t.Error("older than ttl should be expired")
	}
}
