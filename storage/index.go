package storage

import (
	"errors"
	"path"

	"go.uber.org/atomic"
)

var ErrInvalidHandle = errors.New("storage: invalid object handle")

// Hosts use 0xFFFFFFFF in GetObjectHandles to address the storage root;
// objects directly under the root report parent 0.
const (
	RootParent   = 0x00000000
	AllObjects   = 0xFFFFFFFF
	rootPath     = "/"
	invalidIndex = 0
)

// Record is one indexed object. The index owns these; callers get
// pointers but must not retain them across Invalidate.
type Record struct {
	Handle  uint32
	Parent  uint32
	Path    string
	Name    string
	Dir     bool
	Size    uint64
	ModTime int64
}

// Index is the per-session arena of object records. Handles start at 1
// and climb monotonically; a retired handle is never reassigned during
// the session, so a stale host reference fails instead of aliasing a
// different file.
type Index struct {
	fs      Filesystem
	next    *atomic.Uint32
	records map[uint32]*Record
	byPath  map[string]uint32
}

func NewIndex(fs Filesystem) *Index {
	return &Index{
		fs:      fs,
		next:    atomic.NewUint32(0),
		records: map[uint32]*Record{},
		byPath:  map[string]uint32{},
	}
}

// Resolve returns the record for a live handle.
func (ix *Index) Resolve(handle uint32) (*Record, error) {
	r, ok := ix.records[handle]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return r, nil
}

// HandleFor returns the handle for a path under parent, allocating a
// fresh one if the path is not yet indexed. The caller supplies current
// metadata; an existing record is refreshed in place.
func (ix *Index) HandleFor(parent uint32, dir string, fi FileInfo) uint32 {
	p := path.Join(dir, fi.Name)
	if h, ok := ix.byPath[p]; ok {
		r := ix.records[h]
		r.Dir = fi.Dir
		r.Size = fi.Size
		r.ModTime = fi.ModTime.Unix()
		return h
	}

	h := ix.next.Inc()
	ix.records[h] = &Record{
		Handle:  h,
		Parent:  parent,
		Path:    p,
		Name:    fi.Name,
		Dir:     fi.Dir,
		Size:    fi.Size,
		ModTime: fi.ModTime.Unix(),
	}
	ix.byPath[p] = h
	return h
}

// PathOf maps a parent handle to its directory path. RootParent and
// AllObjects both name the storage root.
func (ix *Index) PathOf(parent uint32) (string, error) {
	if parent == RootParent || parent == AllObjects {
		return rootPath, nil
	}
	r, err := ix.Resolve(parent)
	if err != nil {
		return "", err
	}
	if !r.Dir {
		return "", ErrInvalidHandle
	}
	return r.Path, nil
}

// Children enumerates the directory behind parent through the
// filesystem adapter and returns the child handles in listing order.
// The listing is taken fresh on every call; records whose paths have
// vanished from the directory are invalidated so the host never sees a
// handle for a file that is already gone.
func (ix *Index) Children(parent uint32) ([]uint32, error) {
	dir, err := ix.PathOf(parent)
	if err != nil {
		return nil, err
	}

	infos, err := ix.fs.List(dir)
	if err != nil {
		return nil, err
	}

	if parent == AllObjects {
		parent = RootParent
	}

	seen := map[string]bool{}
	handles := make([]uint32, 0, len(infos))
	for _, fi := range infos {
		seen[path.Join(dir, fi.Name)] = true
		handles = append(handles, ix.HandleFor(parent, dir, fi))
	}

	// Anything indexed under this directory but no longer listed was
	// removed behind our back.
	for p, h := range ix.byPath {
		if path.Dir(p) == dir && !seen[p] {
			ix.Invalidate(h)
		}
	}
	return handles, nil
}

// Reserve allocates a handle without binding it to a path yet. The
// two-step SendObjectInfo/SendObject create needs the handle before the
// object's bytes exist.
func (ix *Index) Reserve() uint32 {
	return ix.next.Inc()
}

// Insert binds a reserved handle to a path. An existing record for the
// same path (the host overwriting a file) is retired first; its old
// handle is not reused.
func (ix *Index) Insert(handle, parent uint32, p string, fi FileInfo) *Record {
	if old, ok := ix.byPath[p]; ok && old != handle {
		ix.Invalidate(old)
	}
	r := &Record{
		Handle:  handle,
		Parent:  parent,
		Path:    p,
		Name:    fi.Name,
		Dir:     fi.Dir,
		Size:    fi.Size,
		ModTime: fi.ModTime.Unix(),
	}
	ix.records[handle] = r
	ix.byPath[p] = handle
	return r
}

// Invalidate removes a record and every descendant.
func (ix *Index) Invalidate(handle uint32) {
	r, ok := ix.records[handle]
	if !ok {
		return
	}
	for _, c := range ix.childHandles(handle) {
		ix.Invalidate(c)
	}
	delete(ix.byPath, r.Path)
	delete(ix.records, handle)
}

func (ix *Index) childHandles(parent uint32) []uint32 {
	var out []uint32
	for h, r := range ix.records {
		if r.Parent == parent {
			out = append(out, h)
		}
	}
	return out
}

// Len reports the number of live records.
func (ix *Index) Len() int {
	return len(ix.records)
}

// Clear drops every record and rewinds the allocator. Only session
// teardown calls this; within a session handles are never reused.
func (ix *Index) Clear() {
	ix.records = map[uint32]*Record{}
	ix.byPath = map[string]uint32{}
	ix.next.Store(0)
}
