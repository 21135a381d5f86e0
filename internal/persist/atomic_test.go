package persist

import (
	"os"
	"path/filepath"
	"testing"
)

type record struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestWriteReadJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	in := record{Name: "hosts", N: 3}
	if err := WriteJSON(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out record
	if err := ReadJSON(path, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestWriteJSONLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := WriteJSON(path, record{Name: "a"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		t.Fatalf("unexpected directory contents: %+v", entries)
	}
}

func TestWriteJSONOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := WriteJSON(path, record{Name: "first"}); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := WriteJSON(path, record{Name: "second"}); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	var out record
	if err := ReadJSON(path, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Name != "second" {
		t.Fatalf("got %q want %q", out.Name, "second")
	}
}

func TestReadJSONMissingFile(t *testing.T) {
	dir := t.TempDir()
	var out record
	err := ReadJSON(filepath.Join(dir, "missing.json"), &out)
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
