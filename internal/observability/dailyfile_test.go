package observability

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDailyFileWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	d := NewDailyFile(dir)
	d.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	defer d.Close()

	if _, err := d.Write([]byte("first line\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := d.Write([]byte("second line\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "clawdis-2026-03-01.log"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(data); got != "first line\nsecond line\n" {
		t.Fatalf("content = %q", got)
	}
}

func TestDailyFileRollsOverAtMidnight(t *testing.T) {
	dir := t.TempDir()
	d := NewDailyFile(dir)
	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	d.now = func() time.Time { return day }
	defer d.Close()

	if _, err := d.Write([]byte("before\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	day = day.Add(2 * time.Minute)
	if _, err := d.Write([]byte("after\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	before, err := os.ReadFile(filepath.Join(dir, "clawdis-2026-03-01.log"))
	if err != nil {
		t.Fatalf("read first day: %v", err)
	}
	if string(before) != "before\n" {
		t.Fatalf("first day content = %q", before)
	}
	after, err := os.ReadFile(filepath.Join(dir, "clawdis-2026-03-02.log"))
	if err != nil {
		t.Fatalf("read second day: %v", err)
	}
	if string(after) != "after\n" {
		t.Fatalf("second day content = %q", after)
	}
}

func TestDailyFileAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	d := NewDailyFile(dir)
	d.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	if _, err := d.Write([]byte("one\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := d.Write([]byte("two\n")); err != nil {
		t.Fatalf("write after close: %v", err)
	}
	d.Close()

	data, err := os.ReadFile(filepath.Join(dir, "clawdis-2026-03-01.log"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(data); got != "one\ntwo\n" {
		t.Fatalf("content = %q", got)
	}
}
