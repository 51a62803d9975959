// Package media loads, sniffs, and recompresses outbound attachments.
package media

import (
	"net/http"
	"path/filepath"
	"strings"
)

// Hard size caps per kind, enforced after compression.
const (
	MaxImageBytes    = 6 << 20
	MaxAudioBytes    = 16 << 20
	MaxVideoBytes    = 16 << 20
	MaxDocumentBytes = 100 << 20
)

// Kind buckets a MIME type for size limits and adapter dispatch.
type Kind string

const (
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindUnknown  Kind = "unknown"
)

// format ties an extension to its MIME type. preferred marks the
// extension used when naming files for that MIME type.
type format struct {
	ext       string
	mime      string
	preferred bool
}

var formats = []format{
	{".jpg", "image/jpeg", true},
	{".jpeg", "image/jpeg", false},
	{".png", "image/png", true},
	{".webp", "image/webp", true},
	{".gif", "image/gif", true},
	{".bmp", "image/bmp", true},

	{".mp3", "audio/mpeg", true},
	{".ogg", "audio/ogg", true},
	{".oga", "audio/ogg", false},
	{".wav", "audio/wav", true},
	{".flac", "audio/flac", true},
	{".m4a", "audio/mp4", true},
	{".aac", "audio/aac", true},
	{".opus", "audio/opus", true},

	{".mp4", "video/mp4", true},
	{".webm", "video/webm", true},
	{".mov", "video/quicktime", true},
	{".mkv", "video/x-matroska", true},

	{".pdf", "application/pdf", true},
	{".json", "application/json", true},
	{".zip", "application/zip", true},
	{".txt", "text/plain", true},
	{".csv", "text/csv", true},
	{".md", "text/markdown", true},
	{".html", "text/html", true},
}

var (
	mimeByExt  = map[string]string{}
	extByMIME  = map[string]string{}
	isAudioExt = map[string]bool{}
)

func init() {
	for _, f := range formats {
		mimeByExt[f.ext] = f.mime
		if f.preferred {
			extByMIME[f.mime] = f.ext
		}
		if strings.HasPrefix(f.mime, "audio/") {
			isAudioExt[f.ext] = true
		}
	}
}

// KindFromMIME buckets a MIME type.
func KindFromMIME(mime string) Kind {
	major, _, _ := strings.Cut(strings.ToLower(mime), "/")
	switch major {
	case "image":
		return KindImage
	case "audio":
		return KindAudio
	case "video":
		return KindVideo
	case "application", "text":
		return KindDocument
	}
	return KindUnknown
}

// MaxBytesForKind is the post-compression hard cap for a kind.
func MaxBytesForKind(kind Kind) int64 {
	switch kind {
	case KindImage:
		return MaxImageBytes
	case KindAudio:
		return MaxAudioBytes
	case KindVideo:
		return MaxVideoBytes
	}
	return MaxDocumentBytes
}

// Extension returns the lowercased extension of a path or URL, with any
// query string or fragment stripped first.
func Extension(ref string) string {
	if ref == "" {
		return ""
	}
	if lower := strings.ToLower(ref); strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		ref, _, _ = strings.Cut(ref, "?")
		ref, _, _ = strings.Cut(ref, "#")
	}
	return strings.ToLower(filepath.Ext(ref))
}

// MIMEFromExtension maps an extension (with or without the dot).
func MIMEFromExtension(ext string) string {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return mimeByExt[ext]
}

// ExtensionFromMIME returns the preferred extension for a MIME type.
func ExtensionFromMIME(mime string) string {
	return extByMIME[normalizeMIME(mime)]
}

// IsAudio reports whether the path carries an audio extension. Adapters
// use it to pick voice-note sends.
func IsAudio(ref string) bool {
	return isAudioExt[Extension(ref)]
}

// IsGIF matches on MIME or extension. GIFs are never reencoded.
func IsGIF(mime, ref string) bool {
	return normalizeMIME(mime) == "image/gif" || Extension(ref) == ".gif"
}

// DetectMIME resolves a MIME type by priority: content sniffing, then the
// transport header, then the file extension.
func DetectMIME(data []byte, headerMIME, ref string) string {
	const fallback = "application/octet-stream"
	if len(data) > 0 {
		if sniffed := normalizeMIME(http.DetectContentType(data)); sniffed != "" && sniffed != fallback {
			return sniffed
		}
	}
	if mime := normalizeMIME(headerMIME); mime != "" && mime != fallback {
		return mime
	}
	if mime := MIMEFromExtension(Extension(ref)); mime != "" {
		return mime
	}
	return fallback
}

// normalizeMIME lowercases and strips parameters such as charset.
func normalizeMIME(mime string) string {
	mime, _, _ = strings.Cut(mime, ";")
	return strings.TrimSpace(strings.ToLower(mime))
}
