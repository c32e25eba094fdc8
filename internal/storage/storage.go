// Package storage keeps archived copies of rendered videos.
// It defines the Storage interface and implementations for local disk
// and S3.
package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when no object is stored under a name.
	ErrNotFound = errors.New("storage: object not found")
	// ErrInvalidName is returned for names that are empty or contain a path.
	ErrInvalidName = errors.New("storage: invalid object name")
)

// Storage persists named binary objects.
type Storage interface {
	// Save stores data under name and returns where it can be found
	// (a file path or a URL). An existing object is replaced.
	Save(ctx context.Context, name, contentType string, data io.Reader) (location string, err error)

	// Open returns the object stored under name, or ErrNotFound.
	// The caller is responsible for closing the returned ReadCloser.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Remove deletes the object stored under name. Missing objects are not an error.
	Remove(ctx context.Context, name string) error
}

// validName reports whether name is a single path element.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return filepath.Base(name) == name && !strings.ContainsAny(name, `/\`)
}
