package logging

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestRotatingWriterAppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", LogFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("existing\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rw, err := NewRotatingWriter(path, DefaultRotationConfig())
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	defer rw.Close()

	if got := rw.CurrentSize(); got != int64(len("existing\n")) {
		t.Errorf("CurrentSize() = %d, want %d", got, len("existing\n"))
	}
	if _, err := rw.Write([]byte("more\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if rw.FilePath() != path {
		t.Errorf("FilePath() = %q, want %q", rw.FilePath(), path)
	}
	if err := rw.Sync(); err != nil {
		t.Errorf("Sync() error = %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "existing\nmore\n" {
		t.Errorf("file content = %q", data)
	}
}

// newSmallWriter builds a writer with a byte-sized limit for tests.
func newSmallWriter(t *testing.T, maxBytes int64, backups int, compress bool) (*RotatingWriter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), LogFileName)
	rw, err := NewRotatingWriter(path, RotationConfig{MaxBackups: backups, Compress: compress})
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	rw.maxBytes = maxBytes
	t.Cleanup(func() { _ = rw.Close() })
	return rw, path
}

func TestRotatingWriterRotation(t *testing.T) {
	tests := []struct {
		name        string
		writes      int
		backups     int
		wantBackups []string
		wantMissing []string
	}{
		{
			name:        "single rotation",
			writes:      2,
			backups:     3,
			wantBackups: []string{".1"},
			wantMissing: []string{".2"},
		},
		{
			name:        "backups capped",
			writes:      6,
			backups:     2,
			wantBackups: []string{".1", ".2"},
			wantMissing: []string{".3"},
		},
		{
			name:        "no backups kept",
			writes:      3,
			backups:     0,
			wantMissing: []string{".1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw, path := newSmallWriter(t, 20, tt.backups, false)
			for i := 0; i < tt.writes; i++ {
				if _, err := rw.Write([]byte(strings.Repeat("x", 15) + "\n")); err != nil {
					t.Fatalf("Write() error = %v", err)
				}
			}
			for _, suffix := range tt.wantBackups {
				if _, err := os.Stat(path + suffix); err != nil {
					t.Errorf("expected backup %s: %v", suffix, err)
				}
			}
			for _, suffix := range tt.wantMissing {
				if _, err := os.Stat(path + suffix); !os.IsNotExist(err) {
					t.Errorf("backup %s should not exist", suffix)
				}
			}
			if rw.CurrentSize() != 16 {
				t.Errorf("CurrentSize() = %d, want 16", rw.CurrentSize())
			}
		})
	}
}

func TestRotatingWriterOversizedFirstWrite(t *testing.T) {
	rw, path := newSmallWriter(t, 10, 1, false)
	if _, err := rw.Write([]byte(strings.Repeat("y", 50))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Error("an empty file should never be rotated")
	}
}

func TestRotatingWriterCompression(t *testing.T) {
	rw, path := newSmallWriter(t, 20, 2, true)
	first := strings.Repeat("a", 15) + "\n"
	if _, err := rw.Write([]byte(first)); err != nil {
		t.Fatal(err)
	}
	if _, err := rw.Write([]byte(strings.Repeat("b", 15) + "\n")); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Error("uncompressed backup should be removed after compression")
	}
	f, err := os.Open(path + ".1.gz")
	if err != nil {
		t.Fatalf("compressed backup missing: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != first {
		t.Errorf("decompressed = %q, want %q", data, first)
	}
}

func TestRotatingWriterConcurrency(t *testing.T) {
	rw, path := newSmallWriter(t, 1024, 50, false)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = rw.Write([]byte(strings.Repeat("z", 31) + "\n"))
			}
		}()
	}
	wg.Wait()
	_ = rw.Close()

	var total int64
	matches, _ := filepath.Glob(path + "*")
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			t.Fatal(err)
		}
		total += info.Size()
	}
	if total != 500*32 {
		t.Errorf("total bytes across files = %d, want %d", total, 500*32)
	}
}

func TestRotatingWriterClose(t *testing.T) {
	rw, _ := newSmallWriter(t, 0, 0, false)
	if err := rw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := rw.Write([]byte("x")); err == nil {
		t.Error("Write() after Close() should fail")
	}
}

func TestNewLoggerWithRotation(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLoggerWithRotation(dir, LevelInfo, RotationConfig{MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("NewLoggerWithRotation() error = %v", err)
	}
	payload := strings.Repeat("p", 4096)
	for i := 0; i < 300; i++ {
		logger.Info("bulk", "payload", payload)
	}
	logger.Close()

	if _, err := os.Stat(filepath.Join(dir, LogFileName+".1")); err != nil {
		t.Errorf("expected a rotated backup after ~1.2MB of logs: %v", err)
	}
}
