package util

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short string unchanged", "hello", 10, "hello"},
		{"exact length unchanged", "hello", 5, "hello"},
		{"long string truncated", "hello world", 8, "hello..."},
		{"tiny maxLen returns ellipsis", "hello", 3, "..."},
		{"negative maxLen returns ellipsis", "hello", -5, "..."},
		{"empty string unchanged", "", 10, ""},
		{"unicode counted by rune", "日本語テスト", 5, "日本..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateString(tt.input, tt.maxLen); got != tt.expected {
				t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.expected)
			}
		})
	}
}

func TestTruncateHead(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short path unchanged", "a/b.go", 10, "a/b.go"},
		{"long path keeps tail", "internal/workspace/commit.go", 12, "...commit.go"},
		{"tiny maxLen returns ellipsis", "abc/def", 2, "..."},
		{"unicode counted by rune", "日本語テスト", 5, "...スト"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateHead(tt.input, tt.maxLen); got != tt.expected {
				t.Errorf("TruncateHead(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.expected)
			}
		})
	}
}

func TestTruncateANSI(t *testing.T) {
	red := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	tests := []struct {
		name     string
		input    string
		maxWidth int
	}{
		{"plain", "hello world", 8},
		{"styled", red.Render("hello world"), 8},
		{"wide characters", "日本語テスト", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateANSI(tt.input, tt.maxWidth)
			if w := lipgloss.Width(got); w > tt.maxWidth {
				t.Errorf("TruncateANSI() width = %d, want <= %d", w, tt.maxWidth)
			}
		})
	}

	short := red.Render("hi")
	if got := TruncateANSI(short, 10); got != short {
		t.Errorf("TruncateANSI() modified a string that fits: %q", got)
	}
	if got := TruncateANSI("hello", 3); got != "..." {
		t.Errorf("TruncateANSI(hello, 3) = %q, want ...", got)
	}
}

func TestPadANSI(t *testing.T) {
	red := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	if got := PadANSI("ab", 5); got != "ab   " {
		t.Errorf("PadANSI(ab, 5) = %q", got)
	}
	if got := PadANSI("abcdef", 3); got != "abcdef" {
		t.Errorf("PadANSI should not truncate, got %q", got)
	}
	if got := lipgloss.Width(PadANSI(red.Render("ab"), 6)); got != 6 {
		t.Errorf("PadANSI(styled) width = %d, want 6", got)
	}
}
