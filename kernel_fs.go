// kernel_fs.go - Host-backed file system collaborator

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HostFileSystem maps guest paths onto a host directory. Guest paths use
// backslash separators and device prefixes ("game:\media\sound.xma");
// both are normalized away before the host lookup.
type HostFileSystem struct {
	root string
}

func NewHostFileSystem(root string) *HostFileSystem {
	return &HostFileSystem{root: root}
}

func (fs *HostFileSystem) hostPath(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.Index(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimPrefix(name, "/")
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the mount", name)
	}
	return filepath.Join(fs.root, clean), nil
}

func (fs *HostFileSystem) Open(name string, write bool) (HostFile, error) {
	path, err := fs.hostPath(name)
	if err != nil {
		return nil, err
	}
	flags := os.O_RDONLY
	if write {
		flags = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSuchFile
		}
		return nil, err
	}
	return &hostFile{f: f}, nil
}

type hostFile struct {
	f *os.File
}

func (h *hostFile) ReadAt(p []byte, off int64) (int, error)  { return h.f.ReadAt(p, off) }
func (h *hostFile) WriteAt(p []byte, off int64) (int, error) { return h.f.WriteAt(p, off) }
func (h *hostFile) Close() error                             { return h.f.Close() }

func (h *hostFile) Size() uint64 {
	fi, err := h.f.Stat()
	if err != nil {
		return 0
	}
	return uint64(fi.Size())
}
