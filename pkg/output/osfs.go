package output

import (
	"os"
	"path/filepath"
)

// OSFS implements FS against the real filesystem rooted at Root, the way
// pkg/filetree's callers drive WorkingCopy against real paths. Every
// path output.go hands it is repo-relative; OSFS joins it under Root
// before touching the OS.
type OSFS struct {
	Root string
}

func (fs OSFS) abs(path string) string { return filepath.Join(fs.Root, filepath.FromSlash(path)) }

func (fs OSFS) Stat(path string) (exists bool, isDir bool, err error) {
	info, err := os.Stat(fs.abs(path))
	if os.IsNotExist(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, info.IsDir(), nil
}

func (fs OSFS) Mkdir(path string) error {
	return os.MkdirAll(fs.abs(path), 0o755)
}

func (fs OSFS) WriteFile(path string, data []byte) error {
	full := fs.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func (fs OSFS) Remove(path string) error {
	return os.Remove(fs.abs(path))
}

func (fs OSFS) RemoveAll(path string) error {
	return os.RemoveAll(fs.abs(path))
}

func (fs OSFS) Rename(oldPath, newPath string) error {
	full := fs.abs(newPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.Rename(fs.abs(oldPath), full)
}
