package dispatcher

import (
	"mime"
	"path/filepath"
	"strings"
)

const maxOutputBytes = 64 * 1024

const truncationMarker = "\n[Output truncated]"

// sanitizeOutput truncates to 64 KiB with a marker and strips control
// bytes other than \n, \r, \t.
func sanitizeOutput(s string) string {
	s = stripControlBytes(s)
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + truncationMarker
}

// stripControlBytes removes bytes in [\x00-\x08, \x0B, \x0C, \x0E-\x1F, \x7F],
// preserving \n (\x0A), \r (\x0D), and \t (\x09).
func stripControlBytes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isStrippedControlByte(c) {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isStrippedControlByte(c byte) bool {
	switch {
	case c <= 0x08:
		return true
	case c == 0x0B || c == 0x0C:
		return true
	case c >= 0x0E && c <= 0x1F:
		return true
	case c == 0x7F:
		return true
	default:
		return false
	}
}

// blockedExtensions are never accepted as generated-file output.
var blockedExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".sh": true,
	".ps1": true, ".scr": true, ".com": true,
}

// ValidateGeneratedFile rejects files at or over maxSizeBytes, paths containing
// "..", and blocked extensions, and infers a MIME type from the extension.
func ValidateGeneratedFile(filename string, size int64, maxSizeBytes int64) (mimeType string, ok bool, reason string) {
	if size >= maxSizeBytes {
		return "", false, "file exceeds maximum size"
	}
	if strings.Contains(filename, "..") {
		return "", false, "path contains .."
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if blockedExtensions[ext] {
		return "", false, "blocked file extension"
	}
	mt := mime.TypeByExtension(ext)
	if mt == "" {
		mt = "application/octet-stream"
	}
	return mt, true, ""
}

// filterUploadedFiles drops any produced-file entries whose names match an
// input upload, since those are echoes of the upload, not new output.
func filterUploadedFiles(produced []FileOutput, uploaded []FileInput) []FileOutput {
	if len(uploaded) == 0 {
		return produced
	}
	uploadedNames := make(map[string]bool, len(uploaded))
	for _, f := range uploaded {
		uploadedNames[f.Filename] = true
	}
	out := make([]FileOutput, 0, len(produced))
	for _, f := range produced {
		if uploadedNames[f.Filename] {
			continue
		}
		out = append(out, f)
	}
	return out
}
