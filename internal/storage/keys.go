// Package storage stores reference and generated images in S3-compatible object storage.
package storage

import (
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ObjectURL is the location recorded for a stored object: "<bucket>/<key>".
func ObjectURL(bucket, key string) string {
	return bucket + "/" + key
}

// SplitObjectURL reverses ObjectURL.
func SplitObjectURL(url string) (bucket, key string, ok bool) {
	bucket, key, ok = strings.Cut(url, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// GeneratedImageKey names a generated image: "<millis>-<8 hex>-generated-image.<ext>".
// The random segment keeps keys unique when several images finish in the
// same millisecond.
func GeneratedImageKey(now time.Time, mimeType string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d-%s-generated-image.%s", now.UnixMilli(), suffix, ExtensionForMIME(mimeType))
}

// ReferenceImageKey names an uploaded reference image: "<millis>-<sanitized filename>".
func ReferenceImageKey(now time.Time, filename string) string {
	name := SanitizeFilename(filename)
	if name == "" {
		name = "reference"
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), name)
}

// ExtensionForMIME returns the subtype of an image MIME type ("image/png" -> "png").
// Unknown or malformed types map to "bin".
func ExtensionForMIME(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "bin"
	}
	_, sub, ok := strings.Cut(mediaType, "/")
	if !ok || sub == "" || sub == "*" {
		return "bin"
	}
	if sub == "jpeg" {
		return "jpeg"
	}
	return SanitizeFilename(sub)
}

// imageTypes are the raster formats accepted as uploads and served inline.
// SVG is excluded since it can carry script.
var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
	"image/heic": true,
	"image/heif": true,
}

// ImageMIMEType returns the bare media type of mimeType ("image/png" for
// "image/png; q=1") and whether it is a supported raster image type.
func ImageMIMEType(mimeType string) (string, bool) {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "", false
	}
	return mediaType, imageTypes[mediaType]
}

// SanitizeFilename keeps the base name of filename and replaces anything
// outside [A-Za-z0-9._-] with '-'. Leading dots are dropped.
func SanitizeFilename(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}
