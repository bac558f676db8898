package dirstore

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testMeta struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestWriteReadMeta(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing")
	id := "abc123"

	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	want := testMeta{Name: "hello", Value: 42}
	if err := ds.WriteMeta(id, want); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}

	var got testMeta
	if err := ds.ReadMeta(id, &got); err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if got != want {
		t.Errorf("ReadMeta = %+v, want %+v", got, want)
	}
}

func TestReadMetaNotFound(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "widget")

	var out testMeta
	err := ds.ReadMeta("nonexistent", &out)
	if err == nil {
		t.Fatal("expected error for missing meta")
	}
	if want := "widget not found: nonexistent"; err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestInvalidID(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing")
	for _, id := range []string{"", ".", "..", "../escape", `a\b`} {
		if err := ds.EnsureDir(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("EnsureDir(%q) = %v, want ErrInvalidID", id, err)
		}
	}
}

func TestListDirs(t *testing.T) {
	base := t.TempDir()
	ds := NewDirStore(base, "item")

	for _, name := range []string{"dir_a", "dir_b", "dir_c"} {
		if err := ds.EnsureDir(name); err != nil {
			t.Fatalf("EnsureDir %s: %v", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(base, "not_a_dir.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dirs, err := ds.ListDirs()
	if err != nil {
		t.Fatalf("ListDirs: %v", err)
	}
	sort.Strings(dirs)
	if diff := cmp.Diff([]string{"dir_a", "dir_b", "dir_c"}, dirs); diff != "" {
		t.Errorf("ListDirs (-want +got):\n%s", diff)
	}
}

func TestListDirsNonExistent(t *testing.T) {
	ds := NewDirStore(filepath.Join(t.TempDir(), "nope"), "item")

	dirs, err := ds.ListDirs()
	if err != nil {
		t.Fatalf("ListDirs: %v", err)
	}
	if dirs != nil {
		t.Errorf("expected nil, got %v", dirs)
	}
}

type testLine struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

func TestAppendAndLoadJSONL(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing")
	id := "entity1"

	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	lines := []testLine{
		{ID: 1, Text: "first"},
		{ID: 2, Text: "second"},
		{ID: 3, Text: "third"},
	}
	for _, l := range lines {
		if err := ds.AppendJSONL(id, "data.jsonl", l); err != nil {
			t.Fatalf("AppendJSONL: %v", err)
		}
	}

	got, err := LoadJSONL[testLine](ds, id, "data.jsonl")
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if diff := cmp.Diff(lines, got); diff != "" {
		t.Errorf("LoadJSONL (-want +got):\n%s", diff)
	}
}

func TestLoadJSONLEmpty(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing")

	got, err := LoadJSONL[testLine](ds, "nonexistent", "data.jsonl")
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestEnsureDirRemoveDir(t *testing.T) {
	base := t.TempDir()
	ds := NewDirStore(base, "thing")
	id := "entity1"

	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	info, err := os.Stat(filepath.Join(base, id))
	if err != nil {
		t.Fatalf("Stat after EnsureDir: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected directory")
	}

	if err := ds.RemoveDir(id); err != nil {
		t.Fatalf("RemoveDir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, id)); !os.IsNotExist(err) {
		t.Errorf("expected directory removed, got %v", err)
	}
}
