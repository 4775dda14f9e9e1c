package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteJSONAtomicReplacesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	if err := WriteJSONAtomic(path, map[string]int{"a": 1}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := WriteJSONAtomic(path, map[string]int{"a": 2}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	var got map[string]int
	if !ReadJSON(path, &got) {
		t.Fatal("ReadJSON failed")
	}
	if got["a"] != 2 {
		t.Fatalf("expected a=2, got %v", got)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestReadJSONMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	var v map[string]string
	if ReadJSON(filepath.Join(dir, "missing.json"), &v) {
		t.Fatal("expected false for missing file")
	}
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if ReadJSON(bad, &v) {
		t.Fatal("expected false for corrupt file")
	}
}

func TestReadKeyValueFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.txt")
	content := "pid: 1234\nstate: running\nnoise line\nupdated_at: 2026-01-02T03:04:05Z\nrun_log: /tmp/a: b.log\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	kv := ReadKeyValueFile(path)
	if kv["pid"] != "1234" || kv["state"] != "running" {
		t.Fatalf("unexpected values: %v", kv)
	}
	if kv["run_log"] != "/tmp/a: b.log" {
		t.Fatalf("value should keep text after first separator, got %q", kv["run_log"])
	}
	if _, ok := kv["noise line"]; ok {
		t.Fatal("line without separator should be ignored")
	}
	if got := ReadKeyValueFile(filepath.Join(t.TempDir(), "missing")); len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}

func TestTailLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	var b strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	b.WriteString("partial")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatal(err)
	}

	got := TailLines(path, 3)
	want := []string{"line 9", "line 10", "partial"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("TailLines = %v, want %v", got, want)
	}
	if all := TailLines(path, 100); len(all) != 11 {
		t.Fatalf("expected 11 lines, got %d", len(all))
	}
	if TailLines(path, 0) != nil {
		t.Fatal("expected nil for zero limit")
	}
}
