package security

import "testing"

func TestTextSanitizer_Sanitize(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "sunset beach", "sunset beach"},
		{"trims and collapses spaces", "  mountain   lake \n", "mountain lake"},
		{"strips tags", "<b>Alice</b> Smith", "Alice Smith"},
		{"removes script body", `<script>alert("x")</script>Bob`, "Bob"},
		{"keeps ampersand", "Tom & Jerry", "Tom & Jerry"},
		{"keeps non-ascii", "山田 太郎", "山田 太郎"},
		{"event handler", `<img src=x onerror=alert(1)>cats`, "cats"},
		{"escaped markup stays escaped", "&lt;x&gt;", "&lt;x&gt;"},
		{"escaped script is not revived", "&lt;script&gt;alert(1)&lt;/script&gt;", "&lt;script&gt;alert(1)&lt;/script&gt;"},
		{"unclosed angle bracket is text", "cats<dogs", "cats<dogs"},
		{"comparison", "1 < 2", "1 < 2"},
		{"trailing open bracket after a tag", "<b>a</b> b<c", "a b<c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTextSanitizer_Idempotent(t *testing.T) {
	s := NewTextSanitizer()
	for _, in := range []string{
		`<p>Hello <em>world</em></p> &lt;3`,
		"&lt;x&gt;",
		"<x>",
		"cats<dogs",
		"Tom &amp; Jerry",
		"a<b>c</b>d<e",
	} {
		once := s.Sanitize(in)
		twice := s.Sanitize(once)
		if once != twice {
			t.Errorf("not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}
