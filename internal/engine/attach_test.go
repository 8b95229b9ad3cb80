package engine

import "testing"

func TestSniffMIME(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"png", []byte("\x89PNG\r\n\x1a\nrest"), "image/png"},
		{"jpeg", []byte("\xff\xd8\xff\xe0rest"), "image/jpeg"},
		{"gif87a", []byte("GIF87arest"), "image/gif"},
		{"gif89a", []byte("GIF89arest"), "image/gif"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPrest"), "image/webp"},
		{"riff but not webp", []byte("RIFF\x00\x00\x00\x00WAVEdata"), ""},
		{"unknown", []byte("hello"), ""},
		{"empty", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sniffMIME(tc.data); got != tc.want {
				t.Errorf("sniffMIME = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPolicyAllows(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		mime    string
		want    bool
	}{
		{"empty list allows all", nil, "application/x-whatever", true},
		{"exact match", []string{"image/png"}, "image/png", true},
		{"exact mismatch", []string{"image/png"}, "image/jpeg", false},
		{"prefix wildcard", []string{"image/"}, "image/webp", true},
		{"prefix wildcard mismatch", []string{"image/"}, "video/mp4", false},
		{"case insensitive", []string{"Image/PNG"}, "image/png", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := AttachmentPolicy{AllowedTypes: tc.allowed}
			if got := p.allows(tc.mime); got != tc.want {
				t.Errorf("allows(%q) = %v, want %v", tc.mime, got, tc.want)
			}
		})
	}
}
