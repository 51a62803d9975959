package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/clawdis/clawdis/internal/config"
)

const (
	// DefaultMaxImageMB is the recompression target when
	// messages.mediaMaxMb is unset.
	DefaultMaxImageMB = 5
	// HardMaxImageMB caps the configurable target.
	HardMaxImageMB = 6
	// MaxImageSide is the longest edge after recompression.
	MaxImageSide = 2048
)

// Payload is a loaded attachment ready to hand to an adapter.
type Payload struct {
	Data     []byte
	MIME     string
	Kind     Kind
	FileName string
}

// Loader resolves media references (URL or local path) into payloads,
// recompressing images down to the configured budget.
type Loader struct {
	client     *http.Client
	logger     *slog.Logger
	maxImageMB float64
}

// NewLoader clamps maxImageMB to (0, HardMaxImageMB], defaulting to
// DefaultMaxImageMB.
func NewLoader(maxImageMB float64, logger *slog.Logger) *Loader {
	if maxImageMB <= 0 {
		maxImageMB = DefaultMaxImageMB
	}
	if maxImageMB > HardMaxImageMB {
		maxImageMB = HardMaxImageMB
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "media"),
		maxImageMB: maxImageMB,
	}
}

func (l *Loader) targetImageBytes() int64 {
	return int64(l.maxImageMB * 1024 * 1024)
}

// Load fetches or reads ref, sniffs its type, recompresses oversized
// images (GIFs pass through byte-for-byte), and enforces the per-kind
// hard caps.
func (l *Loader) Load(ctx context.Context, ref string) (*Payload, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("media: empty reference")
	}

	var (
		data       []byte
		headerMIME string
		err        error
	)
	if isURL(ref) {
		data, headerMIME, err = l.fetch(ctx, ref)
	} else {
		data, err = os.ReadFile(ref)
	}
	if err != nil {
		return nil, err
	}

	mime := DetectMIME(data, headerMIME, ref)
	kind := KindFromMIME(mime)

	if kind == KindImage && !IsGIF(mime, ref) && int64(len(data)) > l.targetImageBytes() {
		compressed, err := recompressJPEG(data, l.targetImageBytes())
		if err != nil {
			l.logger.Warn("image recompression failed, sending original",
				"ref", ref, "error", err)
		} else {
			l.logger.Debug("image recompressed",
				"ref", ref, "from", len(data), "to", len(compressed))
			data = compressed
			mime = "image/jpeg"
		}
	}

	if max := MaxBytesForKind(kind); int64(len(data)) > max {
		return nil, fmt.Errorf("media: %s payload is %d bytes, limit %d", kind, len(data), max)
	}

	return &Payload{
		Data:     data,
		MIME:     mime,
		Kind:     kind,
		FileName: fileNameFor(ref, mime),
	}, nil
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("media: build request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("media: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("media: fetch %s: HTTP %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDocumentBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("media: read %s: %w", url, err)
	}
	if int64(len(data)) > MaxDocumentBytes {
		return nil, "", fmt.Errorf("media: %s exceeds %d bytes", url, int64(MaxDocumentBytes))
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func isURL(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func fileNameFor(ref, mime string) string {
	name := ref
	if isURL(ref) {
		if idx := strings.Index(name, "?"); idx != -1 {
			name = name[:idx]
		}
		if idx := strings.Index(name, "#"); idx != -1 {
			name = name[:idx]
		}
	}
	name = filepath.Base(name)
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	if filepath.Ext(name) == "" {
		name += ExtensionFromMIME(mime)
	}
	return name
}

// recompressJPEG scales the longest edge down to MaxImageSide and walks
// JPEG quality down until the result fits targetBytes. Returns the
// smallest attempt if even the lowest quality overshoots; the caller's
// hard cap decides whether that is fatal.
func recompressJPEG(data []byte, targetBytes int64) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	img = scaleDown(img, MaxImageSide)

	var smallest []byte
	for quality := 85; quality >= 35; quality -= 10 {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		if int64(buf.Len()) <= targetBytes {
			return buf.Bytes(), nil
		}
		if smallest == nil || buf.Len() < len(smallest) {
			smallest = append([]byte(nil), buf.Bytes()...)
		}
	}
	return smallest, nil
}

func scaleDown(img image.Image, maxSide int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= maxSide && height <= maxSide {
		return img
	}
	var newWidth, newHeight int
	if width > height {
		newWidth = maxSide
		newHeight = height * maxSide / width
	} else {
		newHeight = maxSide
		newWidth = width * maxSide / height
	}
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// SaveInbound persists an inbound attachment under the media state dir
// and returns its path for the envelope.
func SaveInbound(data []byte, mime string) (string, error) {
	dir := config.MediaDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	name := uuid.NewString() + ExtensionFromMIME(mime)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
