package media

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestDetectMIME(t *testing.T) {
	pngMagic := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic := []byte{0xFF, 0xD8, 0xFF, 0xE0}

	tests := []struct {
		name   string
		data   []byte
		header string
		ref    string
		want   string
	}{
		{"sniff beats header and extension", pngMagic, "audio/mpeg", "song.mp3", "image/png"},
		{"sniff jpeg", jpegMagic, "", "", "image/jpeg"},
		{"sniff gif", []byte("GIF89a"), "", "", "image/gif"},
		{"header when sniff inconclusive", nil, "image/webp", "photo.png", "image/webp"},
		{"header normalized", nil, "Text/HTML; charset=utf-8", "", "text/html"},
		{"octet-stream header ignored", nil, "application/octet-stream", "doc.pdf", "application/pdf"},
		{"extension fallback", nil, "", "voice.ogg", "audio/ogg"},
		{"url extension with query", nil, "", "https://x.test/clip.mp4?sig=abc", "video/mp4"},
		{"nothing known", nil, "", "mystery", "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectMIME(tt.data, tt.header, tt.ref)
			if got != tt.want {
				t.Errorf("DetectMIME() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtension(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"photo.JPG", ".jpg"},
		{"/tmp/a/b/report.pdf", ".pdf"},
		{"https://cdn.test/img.png?token=1#frag", ".png"},
		{"https://cdn.test/path", ""},
		{"noext", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Extension(tt.ref); got != tt.want {
			t.Errorf("Extension(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

func TestKindFromMIME(t *testing.T) {
	tests := []struct {
		mime string
		want Kind
	}{
		{"image/png", KindImage},
		{"IMAGE/JPEG", KindImage},
		{"audio/ogg", KindAudio},
		{"video/mp4", KindVideo},
		{"application/pdf", KindDocument},
		{"text/plain", KindDocument},
		{"", KindUnknown},
		{"model/gltf", KindUnknown},
	}
	for _, tt := range tests {
		if got := KindFromMIME(tt.mime); got != tt.want {
			t.Errorf("KindFromMIME(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}

func TestMaxBytesForKind(t *testing.T) {
	if got := MaxBytesForKind(KindImage); got != MaxImageBytes {
		t.Errorf("image cap = %d, want %d", got, int64(MaxImageBytes))
	}
	if got := MaxBytesForKind(KindAudio); got != MaxAudioBytes {
		t.Errorf("audio cap = %d, want %d", got, int64(MaxAudioBytes))
	}
	if got := MaxBytesForKind(KindUnknown); got != MaxDocumentBytes {
		t.Errorf("unknown cap = %d, want %d", got, int64(MaxDocumentBytes))
	}
}

func TestIsGIF(t *testing.T) {
	tests := []struct {
		mime string
		ref  string
		want bool
	}{
		{"image/gif", "x.bin", true},
		{"image/GIF; foo=bar", "", true},
		{"", "funny.GIF", true},
		{"image/png", "still.png", false},
	}
	for _, tt := range tests {
		if got := IsGIF(tt.mime, tt.ref); got != tt.want {
			t.Errorf("IsGIF(%q, %q) = %v, want %v", tt.mime, tt.ref, got, tt.want)
		}
	}
}

func TestIsAudio(t *testing.T) {
	if !IsAudio("note.opus") {
		t.Error("IsAudio(.opus) = false, want true")
	}
	if !IsAudio("https://x.test/voice.ogg?d=1") {
		t.Error("IsAudio(voice.ogg URL) = false, want true")
	}
	if IsAudio("movie.mp4") {
		t.Error("IsAudio(.mp4) = true, want false")
	}
}

func TestScaleDown(t *testing.T) {
	tests := []struct {
		name       string
		w, h       int
		wantW      int
		wantH      int
		wantScaled bool
	}{
		{"wide", 4096, 1024, 2048, 512, true},
		{"tall", 1024, 4096, 512, 2048, true},
		{"within bounds untouched", 1000, 500, 1000, 500, false},
		{"exactly max", 2048, 2048, 2048, 2048, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := image.NewRGBA(image.Rect(0, 0, tt.w, tt.h))
			got := scaleDown(src, MaxImageSide)
			b := got.Bounds()
			if b.Dx() != tt.wantW || b.Dy() != tt.wantH {
				t.Errorf("scaleDown() = %dx%d, want %dx%d", b.Dx(), b.Dy(), tt.wantW, tt.wantH)
			}
			if scaled := got != image.Image(src); scaled != tt.wantScaled {
				t.Errorf("scaled = %v, want %v", scaled, tt.wantScaled)
			}
		})
	}
}

func noisePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(rng.Intn(256))
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestRecompressJPEGScalesAndConverts(t *testing.T) {
	data := noisePNG(t, 3000, 1000)

	out, err := recompressJPEG(data, 10*1024*1024)
	if err != nil {
		t.Fatalf("recompressJPEG() error = %v", err)
	}
	img, format, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("output format = %q, want jpeg", format)
	}
	b := img.Bounds()
	if b.Dx() != 2048 || b.Dy() != 682 {
		t.Errorf("output = %dx%d, want 2048x682", b.Dx(), b.Dy())
	}
}

func TestRecompressJPEGWalksQualityDown(t *testing.T) {
	data := noisePNG(t, 256, 256)

	generous, err := recompressJPEG(data, 1<<20)
	if err != nil {
		t.Fatalf("recompressJPEG(generous) error = %v", err)
	}
	tight, err := recompressJPEG(data, 2000)
	if err != nil {
		t.Fatalf("recompressJPEG(tight) error = %v", err)
	}
	if len(tight) == 0 {
		t.Fatal("tight target returned empty output")
	}
	// Noise does not fit 2KB at any quality; the smallest attempt
	// must still beat the quality-85 encode.
	if len(tight) >= len(generous) {
		t.Errorf("tight output %d bytes, not smaller than generous %d", len(tight), len(generous))
	}
}

func TestNewLoaderClampsTarget(t *testing.T) {
	if got := NewLoader(0, nil).targetImageBytes(); got != DefaultMaxImageMB*1024*1024 {
		t.Errorf("default target = %d, want %d", got, int64(DefaultMaxImageMB*1024*1024))
	}
	if got := NewLoader(10, nil).targetImageBytes(); got != HardMaxImageMB*1024*1024 {
		t.Errorf("clamped target = %d, want %d", got, int64(HardMaxImageMB*1024*1024))
	}
	if got := NewLoader(2.5, nil).targetImageBytes(); got != int64(2.5*1024*1024) {
		t.Errorf("custom target = %d, want %d", got, int64(2.5*1024*1024))
	}
}

func TestLoaderLoadLocalFile(t *testing.T) {
	dir := t.TempDir()
	data := noisePNG(t, 32, 32)
	path := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	p, err := NewLoader(0, nil).Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if p.MIME != "image/png" {
		t.Errorf("MIME = %q, want image/png", p.MIME)
	}
	if p.Kind != KindImage {
		t.Errorf("Kind = %q, want image", p.Kind)
	}
	if p.FileName != "pic.png" {
		t.Errorf("FileName = %q, want pic.png", p.FileName)
	}
	if !bytes.Equal(p.Data, data) {
		t.Error("small image was rewritten, want byte-identical passthrough")
	}
}

func TestLoaderLoadMissingFile(t *testing.T) {
	if _, err := NewLoader(0, nil).Load(context.Background(), filepath.Join(t.TempDir(), "gone.png")); err == nil {
		t.Fatal("Load() of missing file succeeded, want error")
	}
}

func TestLoaderOversizedGIFPassesThrough(t *testing.T) {
	// Above the recompression target but under the image hard cap:
	// GIFs must never be reencoded.
	data := append([]byte("GIF89a"), bytes.Repeat([]byte{0xAB}, DefaultMaxImageMB*1024*1024+512*1024)...)
	dir := t.TempDir()
	path := filepath.Join(dir, "big.gif")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	p, err := NewLoader(0, nil).Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if p.MIME != "image/gif" {
		t.Errorf("MIME = %q, want image/gif", p.MIME)
	}
	if !bytes.Equal(p.Data, data) {
		t.Error("GIF bytes were rewritten, want byte-identical passthrough")
	}
}

func TestLoaderEnforcesKindCap(t *testing.T) {
	data := make([]byte, MaxAudioBytes+1)
	dir := t.TempDir()
	path := filepath.Join(dir, "long.mp3")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := NewLoader(0, nil).Load(context.Background(), path); err == nil {
		t.Fatal("Load() of oversized audio succeeded, want error")
	}
}

func TestLoaderLoadURL(t *testing.T) {
	body := []byte("plain transcript contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write(body)
	}))
	defer srv.Close()

	p, err := NewLoader(0, nil).Load(context.Background(), srv.URL+"/notes")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if p.MIME != "text/plain" {
		t.Errorf("MIME = %q, want text/plain", p.MIME)
	}
	if p.Kind != KindDocument {
		t.Errorf("Kind = %q, want document", p.Kind)
	}
	if !bytes.Equal(p.Data, body) {
		t.Errorf("Data = %q, want %q", p.Data, body)
	}
	if p.FileName != "notes.txt" {
		t.Errorf("FileName = %q, want notes.txt", p.FileName)
	}
}

func TestLoaderLoadURLStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := NewLoader(0, nil).Load(context.Background(), srv.URL+"/missing.png"); err == nil {
		t.Fatal("Load() of 404 succeeded, want error")
	}
}
