// Package resolver fetches attachment bytes from their content location.
// A location is a URI; the scheme picks the backend (s3, http(s), file or
// a bare local path).
package resolver

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/parcelworks/mailroom/pkg/errors"
)

// Resolver turns a content location into the attachment bytes. The bytes
// stay out of the store and the channel; only locations travel.
type Resolver interface {
	Resolve(ctx context.Context, location string) ([]byte, error)
}

// Mux routes locations to scheme-specific resolvers.
type Mux struct {
	s3      Resolver
	http    Resolver
	file    Resolver
	maxSize int64
}

func NewMux(s3, httpResolver Resolver, maxSize int64) *Mux {
	return &Mux{
		s3:      s3,
		http:    httpResolver,
		file:    &FileResolver{MaxSize: maxSize},
		maxSize: maxSize,
	}
}

func (m *Mux) Resolve(ctx context.Context, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", apperrors.ErrUnsupportedLocation, location, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "s3":
		return m.s3.Resolve(ctx, location)
	case "http", "https":
		return m.http.Resolve(ctx, location)
	case "file", "":
		return m.file.Resolve(ctx, location)
	default:
		return nil, fmt.Errorf("%w: scheme %q", apperrors.ErrUnsupportedLocation, u.Scheme)
	}
}

// FileResolver reads local paths, for development and tests.
type FileResolver struct {
	MaxSize int64
}

func (r *FileResolver) Resolve(_ context.Context, location string) ([]byte, error) {
	path := strings.TrimPrefix(location, "file://")
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return readBounded(f, r.MaxSize)
}

func readBounded(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxSize)
	}
	return data, nil
}
