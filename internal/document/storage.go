package document

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidName means a file name would escape the storage directory
var ErrInvalidName = errors.New("invalid file name")

// Storage defines the interface for file storage operations
type Storage interface {
	// Save stores data under filename, or under a numbered variant when the
	// name is taken, and returns the name used
	Save(filename string, data []byte) (string, error)

	// Get retrieves a file by name
	Get(filename string) ([]byte, error)

	// Delete removes a file
	Delete(filename string) error
}

// LocalStorage implements the Storage interface using a local directory
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

func (l *LocalStorage) path(filename string) (string, error) {
	if filename == "" || filename == "." || filename == ".." ||
		filepath.Base(filename) != filename || strings.HasPrefix(filename, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, filename)
	}
	return filepath.Join(l.basePath, filename), nil
}

// Save writes the file completely before it becomes visible under its name
func (l *LocalStorage) Save(filename string, data []byte) (string, error) {
	if _, err := l.path(filename); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(l.basePath, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}

	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	name := filename
	for n := 2; ; n++ {
		// Link fails rather than replacing an existing file
		err := os.Link(tmp.Name(), filepath.Join(l.basePath, name))
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("writing file: %w", err)
		}
		name = fmt.Sprintf("%s-%d%s", base, n, ext)
	}
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(filename string) ([]byte, error) {
	path, err := l.path(filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a file from local storage
func (l *LocalStorage) Delete(filename string) error {
	path, err := l.path(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}
