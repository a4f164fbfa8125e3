package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func TestPrepareAndCleanup(t *testing.T) {
	mgr, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, err := mgr.Prepare("build-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dir, err = mgr.Prepare("build-1")
	if err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "stale.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected prepare to reset directory")
	}
	if err := mgr.Cleanup(dir); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected workspace removed")
	}
	if err := mgr.Cleanup(os.TempDir()); err == nil {
		t.Fatalf("expected cleanup outside root to be refused")
	}
}

func TestPrepareRejectsTraversal(t *testing.T) {
	mgr, _ := New(t.TempDir())
	if _, err := mgr.Prepare("../escape"); err == nil {
		t.Fatalf("expected identifier with separators to be rejected")
	}
}

func TestWriteFilesRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	if err := WriteFiles(dir, map[string]string{"../evil.sh": "rm -rf /"}); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
	if err := WriteFiles(dir, map[string]string{"/etc/passwd": "x"}); err == nil {
		t.Fatalf("expected absolute path to be rejected")
	}
}

func TestWriteRemoveAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"src/App.tsx":          "export default function App() {}",
		"src/components/A.tsx": "export const A = 1",
		"node_modules/x/i.js":  "ignored",
	}
	if err := WriteFiles(dir, files); err != nil {
		t.Fatalf("write files: %v", err)
	}
	if err := RemoveFiles(dir, []string{"src/components/A.tsx", "missing.txt"}); err != nil {
		t.Fatalf("remove files: %v", err)
	}
	snap, err := Snapshot(dir, func(rel string) bool { return rel == "node_modules" })
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 1 || snap["src/App.tsx"] == "" {
		t.Fatalf("unexpected snapshot %v", snap)
	}
}

func TestCopyFS(t *testing.T) {
	src := fstest.MapFS{
		"tpl/package.json":  {Data: []byte(`{"name":"app"}`)},
		"tpl/src/main.tsx":  {Data: []byte("main")},
		"other/ignored.txt": {Data: []byte("no")},
	}
	dir := t.TempDir()
	if err := CopyFS(dir, src, "tpl"); err != nil {
		t.Fatalf("copy: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "src", "main.tsx"))
	if err != nil || string(data) != "main" {
		t.Fatalf("expected copied file, got %q (%v)", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ignored.txt")); !os.IsNotExist(err) {
		t.Fatalf("unexpected file outside template copied")
	}
}
