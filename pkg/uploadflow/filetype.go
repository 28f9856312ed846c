package uploadflow

import "strings"

var extensionMIMEs = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
}

var allowedMIMEs = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// ValidateFileType decides admissibility from a file name and declared MIME
// type, and returns the normalized MIME to forward to the storage layer.
//
// HEIC/HEIF extensions are rejected outright regardless of the declared MIME:
// they decode unreliably in the surfaces this library serves. A declared
// image/jpg is normalized to image/jpeg. Admission requires either an allowed
// extension or an allowed normalized MIME; the returned MIME prefers the MIME
// match and falls back to the extension-derived one.
func ValidateFileType(name, declaredMIME string) (string, *UploadError) {
	ext := ""
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		ext = strings.ToLower(name[idx+1:])
	}

	if ext == "heic" || ext == "heif" {
		return "", NewUploadError(CodeFileTypeHEIC,
			"HEIC isn't supported. Export as JPG or PNG and retry.")
	}

	mime := strings.ToLower(strings.TrimSpace(declaredMIME))
	if mime == "image/jpg" {
		mime = "image/jpeg"
	}

	if allowedMIMEs[mime] {
		return mime, nil
	}
	if derived, ok := extensionMIMEs[ext]; ok {
		return derived, nil
	}

	return "", NewUploadError(CodeFileTypeBlocked,
		"Only JPG, PNG, and WebP images are supported.")
}
