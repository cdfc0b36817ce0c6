package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestIndex(t *testing.T) (*Index, string) {
	t.Helper()
	dir := t.TempDir()
	return NewIndex(NewDirFS(dir)), dir
}

func TestHandlesStable(t *testing.T) {
	ix, dir := newTestIndex(t)
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}

	first, err := ix.Children(RootParent)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("got %d handles, want 1", len(first))
	}
	if first[0] == 0 {
		t.Fatal("handle 0 is reserved")
	}

	second, err := ix.Children(RootParent)
	if err != nil {
		t.Fatal(err)
	}
	if second[0] != first[0] {
		t.Errorf("handle changed across enumerations: %d then %d", first[0], second[0])
	}
}

func TestHandlesNotReused(t *testing.T) {
	ix, dir := newTestIndex(t)
	p := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(p, []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}

	hs, err := ix.Children(RootParent)
	if err != nil {
		t.Fatal(err)
	}
	old := hs[0]

	if err := os.Remove(p); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("again"), 0644); err != nil {
		t.Fatal(err)
	}

	hs, err = ix.Children(RootParent)
	if err != nil {
		t.Fatal(err)
	}
	// The same path again gets the same record refreshed; only explicit
	// invalidation retires a handle.
	if hs[0] != old {
		t.Errorf("surviving path got a new handle: %d then %d", old, hs[0])
	}

	ix.Invalidate(old)
	hs, err = ix.Children(RootParent)
	if err != nil {
		t.Fatal(err)
	}
	if hs[0] == old {
		t.Error("invalidated handle was reissued")
	}
	if hs[0] < old {
		t.Errorf("allocator went backwards: %d after %d", hs[0], old)
	}
}

func TestVanishedRecordInvalidated(t *testing.T) {
	ix, dir := newTestIndex(t)
	p := filepath.Join(dir, "gone.txt")
	if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	hs, err := ix.Children(RootParent)
	if err != nil {
		t.Fatal(err)
	}
	h := hs[0]

	if err := os.Remove(p); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.Children(RootParent); err != nil {
		t.Fatal(err)
	}

	if _, err := ix.Resolve(h); err != ErrInvalidHandle {
		t.Fatalf("got %v, want ErrInvalidHandle", err)
	}
}

func TestSubtreeInvalidate(t *testing.T) {
	ix, dir := newTestIndex(t)
	if err := os.MkdirAll(filepath.Join(dir, "d", "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "d", "sub", "f.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	root, err := ix.Children(RootParent)
	if err != nil {
		t.Fatal(err)
	}
	dh := root[0]
	sub, err := ix.Children(dh)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := ix.Children(sub[0])
	if err != nil {
		t.Fatal(err)
	}
	if ix.Len() != 3 {
		t.Fatalf("index holds %d records, want 3", ix.Len())
	}

	ix.Invalidate(dh)
	if ix.Len() != 0 {
		t.Errorf("index holds %d records after subtree invalidate", ix.Len())
	}
	if _, err := ix.Resolve(leaf[0]); err != ErrInvalidHandle {
		t.Errorf("leaf survived subtree invalidate")
	}
}

func TestPathOf(t *testing.T) {
	ix, dir := newTestIndex(t)
	if err := os.Mkdir(filepath.Join(dir, "d"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	for _, parent := range []uint32{RootParent, AllObjects} {
		p, err := ix.PathOf(parent)
		if err != nil || p != "/" {
			t.Errorf("PathOf(0x%x) = %q, %v", parent, p, err)
		}
	}

	hs, err := ix.Children(RootParent)
	if err != nil {
		t.Fatal(err)
	}
	// Listing order is sorted: d before f.txt.
	if p, err := ix.PathOf(hs[0]); err != nil || p != "/d" {
		t.Errorf("PathOf(dir) = %q, %v", p, err)
	}
	if _, err := ix.PathOf(hs[1]); err != ErrInvalidHandle {
		t.Errorf("PathOf(file) = %v, want ErrInvalidHandle", err)
	}
}

func TestReserveInsert(t *testing.T) {
	ix, dir := newTestIndex(t)
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}

	h := ix.Reserve()
	if _, err := ix.Resolve(h); err == nil {
		t.Fatal("reserved handle resolves before Insert")
	}

	fi := FileInfo{Name: "new.txt", Size: 3}
	r := ix.Insert(h, RootParent, "/new.txt", fi)
	if r.Handle != h || r.Path != "/new.txt" {
		t.Fatalf("inserted record %+v", r)
	}

	got, err := ix.Resolve(h)
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != 3 || got.Parent != RootParent {
		t.Errorf("record %+v", got)
	}

	// Overwriting the same path retires the old handle.
	h2 := ix.Reserve()
	ix.Insert(h2, RootParent, "/new.txt", fi)
	if _, err := ix.Resolve(h); err != ErrInvalidHandle {
		t.Error("old handle survived overwrite")
	}
}

func TestClearRewindsAllocator(t *testing.T) {
	ix, dir := newTestIndex(t)
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	hs, err := ix.Children(RootParent)
	if err != nil {
		t.Fatal(err)
	}
	if hs[0] != 1 {
		t.Fatalf("first handle %d, want 1", hs[0])
	}

	ix.Clear()
	if ix.Len() != 0 {
		t.Fatal("records survived Clear")
	}
	hs, err = ix.Children(RootParent)
	if err != nil {
		t.Fatal(err)
	}
	if hs[0] != 1 {
		t.Errorf("handle after Clear is %d, want 1", hs[0])
	}
}
