package attachment

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// tmpDir holds in-flight uploads until they are complete.
const tmpDir = ".incoming"

// FSStorage stores blobs on an afero filesystem and serves them under a
// public base URL.
type FSStorage struct {
	fs      afero.Fs
	root    string
	baseURL string
}

// NewFSStorage creates a storage rooted at root on fs. Objects resolve to
// baseURL + "/" + key.
func NewFSStorage(fs afero.Fs, root, baseURL string) *FSStorage {
	return &FSStorage{
		fs:      fs,
		root:    filepath.Clean(root),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Put writes r under key. The object only becomes visible once the whole
// body was written and, if size is non-negative, matched it; otherwise the
// partial data is removed.
func (s *FSStorage) Put(
	ctx context.Context,
	key string,
	r io.Reader,
	size int64,
	contentType string,
) (string, error) {
	dest := filepath.Join(s.root, filepath.FromSlash(key))
	tmp := filepath.Join(s.root, tmpDir, uuid.New().String())

	if err := s.fs.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		return "", fmt.Errorf("creating upload directory: %w", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating directory for %s: %w", key, err)
	}

	f, err := s.fs.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", key, err)
	}

	n, err := io.Copy(f, contextReader{ctx: ctx, r: r})
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("short upload: wrote %d of %d bytes", n, size)
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("writing %s: %w", key, err)
	}

	if err := s.fs.Rename(tmp, dest); err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("publishing %s: %w", key, err)
	}

	return s.URL(key), nil
}

// Delete removes the object under key. Missing objects are not an error.
func (s *FSStorage) Delete(_ context.Context, key string) error {
	err := s.fs.Remove(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		if exists, _ := afero.Exists(s.fs, filepath.Join(s.root, filepath.FromSlash(key))); !exists {
			return nil
		}
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// URL returns the public URL of key.
func (s *FSStorage) URL(key string) string {
	return s.baseURL + "/" + path.Clean(key)
}

// Owns reports whether url names an object stored here.
func (s *FSStorage) Owns(url string) bool {
	key, ok := strings.CutPrefix(url, s.baseURL+"/")
	if !ok || hiddenPath(key) || key != strings.TrimPrefix(path.Clean("/"+key), "/") {
		return false
	}
	info, err := s.fs.Stat(filepath.Join(s.root, filepath.FromSlash(key)))
	return err == nil && !info.IsDir()
}

// FileSystem exposes the stored objects for static serving. Directories
// and in-flight uploads are not served, so keys cannot be enumerated.
func (s *FSStorage) FileSystem() http.FileSystem {
	return filesOnly{fs: afero.NewHttpFs(s.fs).Dir(s.root)}
}

// filesOnly refuses directories and dot-prefixed paths.
type filesOnly struct {
	fs http.FileSystem
}

func (f filesOnly) Open(name string) (http.File, error) {
	if hiddenPath(name) {
		return nil, fs.ErrNotExist
	}

	file, err := f.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, fs.ErrNotExist
	}
	return file, nil
}

// hiddenPath reports whether any segment of p starts with a dot.
func hiddenPath(p string) bool {
	for _, part := range strings.Split(path.Clean("/"+p), "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
