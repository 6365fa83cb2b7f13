package text

import (
	"testing"
)

func TestIsRTL(t *testing.T) {
	tests := []struct {
		name string
		char rune
		want bool
	}{
		{"Arabic alif", 'ا', true},
		{"Arabic presentation form", 'ﻻ', true},
		{"Hebrew alef", 'א', true},
		{"Syriac alaph", 'ܐ', true},
		{"Thaana haa", 'ހ', true},
		{"Latin A", 'A', false},
		{"Cyrillic я", 'я', false},
		{"CJK 中", '中', false},
		{"Digit 5", '5', false},
		{"Space", ' ', false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRTL(tt.char); got != tt.want {
				t.Errorf("isRTL(%q U+%04X) = %v, want %v", tt.char, tt.char, got, tt.want)
			}
		})
	}
}

func TestDetectDirection(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		vertical bool
		want     Direction
	}{
		{"empty", "", false, LTR},
		{"latin", "Hello", false, LTR},
		{"digits", "12345", false, LTR},
		{"arabic", "مرحبا", false, RTL},
		{"hebrew", "שלום", false, RTL},
		{"short mixed", "aא", false, RTL},
		{"mostly latin", "Hello world א", false, LTR},
		{"mostly hebrew", "שלום abc", false, RTL},
		{"vertical", "縦書き", true, TTB},
		{"vertical wins over script", "שלום", true, TTB},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectDirection(tt.text, tt.vertical); got != tt.want {
				t.Errorf("DetectDirection(%q, %v) = %v, want %v", tt.text, tt.vertical, got, tt.want)
			}
		})
	}
}

func TestDirectionString(t *testing.T) {
	tests := []struct {
		dir  Direction
		want string
	}{
		{LTR, "ltr"},
		{RTL, "rtl"},
		{TTB, "ttb"},
		{Direction(99), "ltr"},
	}
	for _, tt := range tests {
		if got := tt.dir.String(); got != tt.want {
			t.Errorf("Direction(%d).String() = %q, want %q", tt.dir, got, tt.want)
		}
	}
}

func TestVisualToLogical(t *testing.T) {
	if got := visualToLogical("םולש"); got != "שלום" {
		t.Errorf("visualToLogical = %q", got)
	}
	if got := visualToLogical(""); got != "" {
		t.Errorf("visualToLogical(\"\") = %q", got)
	}
}
