// Package storage maps host-visible object handles onto a filesystem
// subtree. The Filesystem interface is the boundary to the external
// filesystem collaborator; Index keeps the handle space.
package storage

import (
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrNotEmpty = errors.New("storage: directory not empty")
	ErrEscape   = errors.New("storage: path escapes root")
)

// FileInfo is the subset of file metadata the protocol engine needs.
type FileInfo struct {
	Name    string
	Dir     bool
	Size    uint64
	ModTime time.Time
}

// Filesystem is the façade over the external filesystem collaborator.
// Paths are storage-relative, slash-separated, rooted at "/".
type Filesystem interface {
	List(path string) ([]FileInfo, error)
	Stat(path string) (FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Mkdir(path string) error
	Remove(path string) error
	Rename(oldpath, newpath string) error

	// Capacity reports total and free bytes of the backing store.
	Capacity() (total, free uint64, err error)
}

// DirFS exposes a directory of the local filesystem. All paths are
// confined to the configured root.
type DirFS struct {
	root string
}

func NewDirFS(root string) *DirFS {
	return &DirFS{root: filepath.Clean(root)}
}

// real converts a storage path to a local one, refusing escapes.
func (d *DirFS) real(p string) (string, error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return d.root, nil
	}
	for _, seg := range strings.Split(p[1:], "/") {
		if seg == ".." {
			return "", ErrEscape
		}
	}
	return filepath.Join(d.root, filepath.FromSlash(p)), nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.ENOTEMPTY || errno == syscall.EEXIST) {
		return ErrNotEmpty
	}
	return err
}

func (d *DirFS) List(p string) ([]FileInfo, error) {
	real, err := d.real(p)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(real)
	if err != nil {
		return nil, mapError(err)
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			// Vanished between ReadDir and Info; skip.
			continue
		}
		infos = append(infos, fromOS(fi))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (d *DirFS) Stat(p string) (FileInfo, error) {
	real, err := d.real(p)
	if err != nil {
		return FileInfo{}, err
	}
	fi, err := os.Stat(real)
	if err != nil {
		return FileInfo{}, mapError(err)
	}
	return fromOS(fi), nil
}

func (d *DirFS) Open(p string) (io.ReadCloser, error) {
	real, err := d.real(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(real)
	return f, mapError(err)
}

func (d *DirFS) Create(p string) (io.WriteCloser, error) {
	real, err := d.real(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(real)
	return f, mapError(err)
}

func (d *DirFS) Mkdir(p string) error {
	real, err := d.real(p)
	if err != nil {
		return err
	}
	err = os.Mkdir(real, 0755)
	if os.IsExist(err) {
		// The host may re-send a folder it already created.
		return nil
	}
	return mapError(err)
}

func (d *DirFS) Remove(p string) error {
	real, err := d.real(p)
	if err != nil {
		return err
	}
	return mapError(os.Remove(real))
}

func (d *DirFS) Rename(oldp, newp string) error {
	ro, err := d.real(oldp)
	if err != nil {
		return err
	}
	rn, err := d.real(newp)
	if err != nil {
		return err
	}
	return mapError(os.Rename(ro, rn))
}

func (d *DirFS) Capacity() (total, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.root, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return bsize * st.Blocks, bsize * st.Bavail, nil
}

func fromOS(fi os.FileInfo) FileInfo {
	size := uint64(0)
	if !fi.IsDir() {
		size = uint64(fi.Size())
	}
	return FileInfo{
		Name:    fi.Name(),
		Dir:     fi.IsDir(),
		Size:    size,
		ModTime: fi.ModTime(),
	}
}
