package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DailyFile appends to <dir>/clawdis-YYYY-MM-DD.log, reopening the
// file when the date rolls over. Safe for concurrent writers; slog
// hands it whole lines, and the append-mode file keeps them intact.
type DailyFile struct {
	dir string

	mu  sync.Mutex
	now func() time.Time
	day string
	f   *os.File
}

// NewDailyFile prepares a writer rooted at dir. The directory and the
// first file are created lazily on the first write, so a read-only log
// location fails the write, not construction.
func NewDailyFile(dir string) *DailyFile {
	return &DailyFile{dir: dir, now: time.Now}
}

func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := d.now().Format("2006-01-02")
	if d.f == nil || day != d.day {
		if err := d.rotateLocked(day); err != nil {
			return 0, err
		}
	}
	return d.f.Write(p)
}

func (d *DailyFile) rotateLocked(day string) error {
	if d.f != nil {
		d.f.Close()
		d.f = nil
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("log dir: %w", err)
	}
	path := filepath.Join(d.dir, "clawdis-"+day+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", path, err)
	}
	d.f = f
	d.day = day
	return nil
}

// Close releases the current file. Writes after Close reopen it.
func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	d.day = ""
	return err
}
