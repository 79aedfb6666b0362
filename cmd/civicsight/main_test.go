package main

import (
	"testing"
	"unicode/utf8"

	"github.com/MrWong99/civicsight/internal/config"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"onnx / ViT-B/32", 19, "onnx / ViT-B/32"},
		{"clipserver / ViT-B-32::openai", 19, "clipserver / ViT-B…"},
		{"onnx / Straßenschäden-ViT", 19, "onnx / Straßenschä…"},
		{"", 19, ""},
	}
	for _, tc := range tests {
		got := truncate(tc.in, tc.n)
		if got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8 %q", tc.in, tc.n, got)
		}
		if utf8.RuneCountInString(got) > tc.n {
			t.Errorf("truncate(%q, %d) = %q has more than %d runes", tc.in, tc.n, got, tc.n)
		}
	}
}

func TestOptInt(t *testing.T) {
	opts := map[string]any{"a": 4, "b": int64(8), "c": 2.0, "d": "16", "e": "x"}
	for key, want := range map[string]int{"a": 4, "b": 8, "c": 2, "d": 16, "e": 0, "missing": 0} {
		if got := optInt(opts, key); got != want {
			t.Errorf("optInt(%q) = %d, want %d", key, got, want)
		}
	}
}

func TestSlogLevel(t *testing.T) {
	if got := slogLevel(config.LogDebug); got.String() != "DEBUG" {
		t.Errorf("slogLevel(debug) = %v", got)
	}
	if got := slogLevel(""); got.String() != "INFO" {
		t.Errorf("slogLevel(\"\") = %v, want INFO", got)
	}
}
