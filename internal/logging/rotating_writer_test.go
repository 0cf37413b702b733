package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteCreatesDatedFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "engine.log")

	w, err := NewRotatingWriter(base, 1024)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	day := time.Now().UTC().Format("2006-01-02")
	dated := filepath.Join(dir, "engine-"+day+".log")
	data, err := os.ReadFile(dated)
	if err != nil {
		t.Fatalf("read dated file: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("dated file content = %q", data)
	}
}

func TestSizeRollover(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "engine.log")

	w, err := NewRotatingWriter(base, 10)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("12345678\n")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := w.Write([]byte("overflow\n")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	day := time.Now().UTC().Format("2006-01-02")
	rolled := filepath.Join(dir, "engine-"+day+"-2.log")
	data, err := os.ReadFile(rolled)
	if err != nil {
		t.Fatalf("read rolled file: %v", err)
	}
	if !strings.Contains(string(data), "overflow") {
		t.Fatalf("rolled file content = %q", data)
	}
}

func TestDashDisablesFileOutput(t *testing.T) {
	w, err := NewRotatingWriter("-", 1024)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	n, err := w.Write([]byte("dropped"))
	if err != nil || n != len("dropped") {
		t.Fatalf("write = (%d, %v)", n, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
