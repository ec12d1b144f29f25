package storage

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "cat.png", "cat.png"},
		{"spaces", "my cat.png", "my-cat.png"},
		{"path stripped", "../../etc/passwd", "passwd"},
		{"windows path", `C:\Users\me\dog.jpg`, "dog.jpg"},
		{"hidden file", ".env", "env"},
		{"unicode replaced", "café.png", "caf-.png"},
		{"empty", "", ""},
		{"dot only", ".", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestExtensionForMIME(t *testing.T) {
	tests := map[string]string{
		"image/png":                "png",
		"image/jpeg":               "jpeg",
		"image/webp; charset=utf8": "webp",
		"image/svg+xml":            "svg-xml",
		"":                         "bin",
		"garbage":                  "bin",
		"image/*":                  "bin",
	}
	for in, want := range tests {
		assert.Equal(t, want, ExtensionForMIME(in), "mime %q", in)
	}
}

func TestImageMIMEType(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"image/png", "image/png", true},
		{"IMAGE/JPEG; q=1", "image/jpeg", true},
		{"image/webp", "image/webp", true},
		{"image/svg+xml", "image/svg+xml", false},
		{"text/html; charset=utf-8", "text/html", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ImageMIMEType(tt.in)
		assert.Equal(t, tt.ok, ok, "mime %q", tt.in)
		assert.Equal(t, tt.want, got, "mime %q", tt.in)
	}
}

func TestGeneratedImageKey(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	key := GeneratedImageKey(now, "image/png")

	assert.Regexp(t, regexp.MustCompile(`^1700000000123-[0-9a-f]{8}-generated-image\.png$`), key)
	assert.NotEqual(t, key, GeneratedImageKey(now, "image/png"), "same millisecond still yields distinct keys")
}

func TestReferenceImageKey(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	assert.Equal(t, "1700000000123-my-cat.png", ReferenceImageKey(now, "my cat.png"))
	assert.Equal(t, "1700000000123-reference", ReferenceImageKey(now, ""))
}

func TestObjectURLRoundTrip(t *testing.T) {
	url := ObjectURL("generated-images", "1-abc-generated-image.png")
	assert.Equal(t, "generated-images/1-abc-generated-image.png", url)

	bucket, key, ok := SplitObjectURL(url)
	assert.True(t, ok)
	assert.Equal(t, "generated-images", bucket)
	assert.Equal(t, "1-abc-generated-image.png", key)

	_, _, ok = SplitObjectURL("no-slash")
	assert.False(t, ok)
}
