package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// FileInfo describes one artifact in a storage directory listing.
type FileInfo struct {
	Name     string // file name without directory
	Size     int64
	Modified time.Time
}

// Credentials carries the account a back-end is initialized with. The index
// update worker retries candidate pairs collected from jobs targeting the
// same host.
type Credentials struct {
	UserName string
	Password string
}

// Storage is the capability the core uses to reach one back-end directory:
// open, list, read, write, and delete archives. Implementations for remote
// back-ends (FTP/SFTP/WebDAV/SMB) are external collaborators; the file
// backend ships here.
type Storage interface {
	// List enumerates the artifacts in the directory.
	List(ctx context.Context) ([]FileInfo, error)
	// Open opens one artifact for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Create opens one artifact for writing.
	Create(ctx context.Context, name string) (io.WriteCloser, error)
	// Delete removes one artifact.
	Delete(ctx context.Context, name string) error
	// Exists reports whether the artifact is present.
	Exists(ctx context.Context, name string) (bool, error)
	// Close releases the back-end connection.
	Close() error
}

// Opener initializes a Storage for a directory specifier. The server keeps
// one Opener per back-end type; unknown types fail.
type Opener interface {
	Open(ctx context.Context, dir Specifier, creds Credentials) (Storage, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, dir Specifier, creds Credentials) (Storage, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, dir Specifier, creds Credentials) (Storage, error) {
	return f(ctx, dir, creds)
}

// Registry maps back-end types to openers.
type Registry struct {
	openers map[Type]Opener
}

// NewRegistry creates a registry with the file backend pre-registered.
func NewRegistry() *Registry {
	r := &Registry{openers: make(map[Type]Opener)}
	r.Register(TypeFile, OpenerFunc(openFileStorage))
	return r
}

// Register adds or replaces the opener for a back-end type.
func (r *Registry) Register(t Type, o Opener) {
	r.openers[t] = o
}

// Open initializes a storage for the given directory specifier.
func (r *Registry) Open(ctx context.Context, dir Specifier, creds Credentials) (Storage, error) {
	o, ok := r.openers[dir.Type]
	if !ok {
		return nil, fmt.Errorf("storage: no back-end registered for type %q", dir.Type)
	}
	return o.Open(ctx, dir, creds)
}

// ---- file backend -----------------------------------------------------------

// fileStorage is the local-filesystem back-end.
type fileStorage struct {
	dir string
}

func openFileStorage(_ context.Context, dir Specifier, _ Credentials) (Storage, error) {
	return &fileStorage{dir: dir.Path}, nil
}

func (s *fileStorage) List(_ context.Context) ([]FileInfo, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", s.dir, err)
	}
	var infos []FileInfo
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		infos = append(infos, FileInfo{
			Name:     de.Name(),
			Size:     fi.Size(),
			Modified: fi.ModTime(),
		})
	}
	return infos, nil
}

func (s *fileStorage) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", name, err)
	}
	return f, nil
}

func (s *fileStorage) Create(_ context.Context, name string) (io.WriteCloser, error) {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return nil, fmt.Errorf("storage: create dir %s: %w", s.dir, err)
	}
	f, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", name, err)
	}
	return f, nil
}

func (s *fileStorage) Delete(_ context.Context, name string) error {
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete %s: %w", name, err)
	}
	return nil
}

func (s *fileStorage) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.dir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *fileStorage) Close() error {
	return nil
}

// Copy streams one artifact from src to dst under the destination name.
func Copy(ctx context.Context, src Storage, srcName string, dst Storage, dstName string) (int64, error) {
	r, err := src.Open(ctx, srcName)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	w, err := dst.Create(ctx, dstName)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(w, r)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// Leave no partial artifact behind.
		dst.Delete(ctx, dstName)
		return n, fmt.Errorf("storage: copy %s: %w", srcName, err)
	}
	return n, nil
}
