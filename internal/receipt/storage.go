package receipt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Object describes a stored blob
type Object struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Storage defines the interface for blob storage operations
type Storage interface {
	// Put writes a new object. It never overwrites: an existing path yields ErrObjectExists.
	Put(ctx context.Context, path string, data []byte, contentType string) error

	// Get retrieves an object by path
	Get(ctx context.Context, path string) ([]byte, error)

	// SignedURL returns a time-limited URL for reading the object
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// Delete removes an object. A missing object yields ErrObjectNotFound.
	Delete(ctx context.Context, path string) error

	// Walk calls fn for every stored object
	Walk(ctx context.Context, fn func(Object) error) error
}

// LocalStorage implements the Storage interface using local filesystem.
// Signed URLs point back at the API server, which serves them through Handler.
type LocalStorage struct {
	basePath  string
	publicURL string
	signer    *URLSigner
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath, publicURL string, signer *URLSigner) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath:  basePath,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		signer:    signer,
	}, nil
}

func (l *LocalStorage) fullPath(path string) (string, error) {
	if path == "" || !filepath.IsLocal(filepath.FromSlash(path)) {
		return "", fmt.Errorf("%w: invalid object path %q", ErrValidation, path)
	}
	return filepath.Join(l.basePath, filepath.FromSlash(path)), nil
}

// Put writes a new file, failing if one already exists at the path
func (l *LocalStorage) Put(ctx context.Context, path string, data []byte, contentType string) error {
	fullPath, err := l.fullPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrObjectExists, path)
		}
		return fmt.Errorf("creating file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(fullPath)
		return fmt.Errorf("writing file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(fullPath)
		return fmt.Errorf("closing file: %w", err)
	}
	return nil
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(ctx context.Context, path string) ([]byte, error) {
	fullPath, err := l.fullPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// SignedURL returns a URL under {publicURL}/blobs/ carrying a short-lived token
func (l *LocalStorage) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	fullPath, err := l.fullPath(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrObjectNotFound, path)
		}
		return "", fmt.Errorf("checking file: %w", err)
	}

	token, err := l.signer.Sign(path, ttl)
	if err != nil {
		return "", err
	}
	return l.publicURL + "/blobs/" + (&url.URL{Path: path}).EscapedPath() + "?token=" + url.QueryEscape(token), nil
}

// Delete removes a file from local storage
func (l *LocalStorage) Delete(ctx context.Context, path string) error {
	fullPath, err := l.fullPath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, path)
		}
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// Walk visits every file under the base path
func (l *LocalStorage) Walk(ctx context.Context, fn func(Object) error) error {
	return filepath.WalkDir(l.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(l.basePath, p)
		if err != nil {
			return err
		}
		return fn(Object{Path: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()})
	})
}

// Handler serves signed blob URLs. It is mounted at /blobs/ and needs no bearer token.
func (l *LocalStorage) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/blobs/")
		if err := l.signer.Verify(r.URL.Query().Get("token"), path); err != nil {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		fullPath, err := l.fullPath(path)
		if err != nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		f, err := os.Open(fullPath)
		if err != nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentTypeForPath(path))
		w.Header().Set("Cache-Control", "private, no-store")
		http.ServeContent(w, r, filepath.Base(fullPath), info.ModTime(), f)
	})
}
