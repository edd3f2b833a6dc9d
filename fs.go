package refactd

import (
	"os"
	"path/filepath"
)

// FileSystem is the workspace file-access port. Concrete sandboxing/containerization is an
// external collaborator; the core only reads/writes through this interface.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm uint32) error
	Stat(path string) (exists bool, isDir bool, err error)
	Remove(path string) error
	Abs(path string) (string, error)
}

// PrivacyFilter is consulted by the patch toolchain before any
// edit tool touches a path. Allow returns false for paths the filter wants
// withheld from the model (e.g. files matching a .noformatignore-style
// policy); the caller surfaces ErrPrivacyDenied.
type PrivacyFilter interface {
	Allow(path string) bool
}

// AllowAllPrivacyFilter is the default PrivacyFilter: every path is allowed.
// Deployments that need redaction inject their own implementation.
type AllowAllPrivacyFilter struct{}

func (AllowAllPrivacyFilter) Allow(string) bool { return true }

// OSFileSystem is the default FileSystem backed directly by the local
// filesystem, rooted at Root (relative paths resolve against it; absolute
// paths pass through unchanged). Production deployments that containerize
// or otherwise sandbox workspace access supply their own implementation instead; this one is
// what every builtin tool and textdoc pipeline uses by default.
type OSFileSystem struct {
	Root string
}

func (fs OSFileSystem) resolve(path string) string {
	if filepath.IsAbs(path) || fs.Root == "" {
		return path
	}
	return filepath.Join(fs.Root, path)
}

func (fs OSFileSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(fs.resolve(path))
}

func (fs OSFileSystem) WriteFile(path string, data []byte, perm uint32) error {
	p := fs.resolve(path)
	if dir := filepath.Dir(p); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(p, data, os.FileMode(perm))
}

func (fs OSFileSystem) Stat(path string) (exists bool, isDir bool, err error) {
	info, statErr := os.Stat(fs.resolve(path))
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return false, false, nil
		}
		return false, false, statErr
	}
	return true, info.IsDir(), nil
}

func (fs OSFileSystem) Remove(path string) error {
	return os.Remove(fs.resolve(path))
}

func (fs OSFileSystem) Abs(path string) (string, error) {
	return filepath.Abs(fs.resolve(path))
}

var _ FileSystem = OSFileSystem{}
