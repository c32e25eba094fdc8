// Package library lists, streams, archives and deletes the user's rendered
// videos.
package library

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/maauso/manimstudio/internal/api"
	"github.com/maauso/manimstudio/internal/storage"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100

	// sniffLen is how much of a download is inspected to detect its type.
	sniffLen = 3072

	defaultExtension = ".mp4"
)

// ErrNoStorage is returned by Archive when no archive storage is configured.
var ErrNoStorage = errors.New("library: archive storage is not configured")

// Backend is the part of the backend the library uses.
type Backend interface {
	ListVideos(ctx context.Context, page, pageSize int) (api.VideoList, error)
	DownloadVideo(ctx context.Context, id int64) (io.ReadCloser, error)
	DeleteVideo(ctx context.Context, id int64) error
}

// Stream is an open video download.
type Stream struct {
	io.ReadCloser
	// ContentType is detected from the payload.
	ContentType string
	// Filename is the suggested file name, animation_<id><ext>.
	Filename string
}

// Archived describes a video copied into storage.
type Archived struct {
	VideoID     int64  `json:"video_id"`
	Name        string `json:"name"`
	Location    string `json:"location"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Library wraps the backend video endpoints.
type Library struct {
	backend Backend
	store   storage.Storage
	logger  *slog.Logger

	mu       sync.Mutex
	archived map[int64]string
}

// Option configures a Library.
type Option func(*Library)

// WithStorage enables Archive.
func WithStorage(s storage.Storage) Option {
	return func(l *Library) {
		l.store = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Library) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Library.
func New(backend Backend, opts ...Option) *Library {
	l := &Library{
		backend:  backend,
		logger:   slog.Default(),
		archived: make(map[int64]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// List returns one page of videos. A page below 1 becomes 1; a size below 1
// becomes 50, and sizes above 100 are capped.
func (l *Library) List(ctx context.Context, page, pageSize int) (api.VideoList, error) {
	if page < 1 {
		page = defaultPage
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return l.backend.ListVideos(ctx, page, pageSize)
}

// Open starts downloading a video and detects its content type.
// The caller must close the returned Stream.
func (l *Library) Open(ctx context.Context, id int64) (*Stream, error) {
	body, err := l.backend.DownloadVideo(ctx, id)
	if err != nil {
		return nil, err
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		_ = body.Close()
		return nil, fmt.Errorf("library: read video %d: %w", id, err)
	}
	head = head[:n]

	mtype := mimetype.Detect(head)
	ext := mtype.Extension()
	if ext == "" {
		ext = defaultExtension
	}

	return &Stream{
		ReadCloser: readCloser{
			Reader: io.MultiReader(bytes.NewReader(head), body),
			Closer: body,
		},
		ContentType: mtype.String(),
		Filename:    Filename(id, ext),
	}, nil
}

// Archive downloads a video and saves it to storage as animation_<id><ext>.
func (l *Library) Archive(ctx context.Context, id int64) (Archived, error) {
	if l.store == nil {
		return Archived{}, ErrNoStorage
	}

	stream, err := l.Open(ctx, id)
	if err != nil {
		return Archived{}, err
	}
	defer func() { _ = stream.Close() }()

	counter := &countingReader{r: stream}
	location, err := l.store.Save(ctx, stream.Filename, stream.ContentType, counter)
	if err != nil {
		return Archived{}, fmt.Errorf("library: archive video %d: %w", id, err)
	}

	l.mu.Lock()
	l.archived[id] = stream.Filename
	l.mu.Unlock()

	l.logger.Info("video archived",
		slog.Int64("video_id", id),
		slog.String("location", location),
		slog.String("content_type", stream.ContentType),
		slog.Int64("size", counter.n),
	)

	return Archived{
		VideoID:     id,
		Name:        stream.Filename,
		Location:    location,
		ContentType: stream.ContentType,
		Size:        counter.n,
	}, nil
}

// Delete removes a video on the backend and any archived copy.
func (l *Library) Delete(ctx context.Context, id int64) error {
	if err := l.backend.DeleteVideo(ctx, id); err != nil {
		return err
	}

	l.mu.Lock()
	name, ok := l.archived[id]
	delete(l.archived, id)
	l.mu.Unlock()

	if ok && l.store != nil {
		if err := l.store.Remove(ctx, name); err != nil {
			l.logger.Warn("failed to remove archived video",
				slog.Int64("video_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Filename returns the download name for a video.
func Filename(id int64, ext string) string {
	return "animation_" + strconv.FormatInt(id, 10) + ext
}

type readCloser struct {
	io.Reader
	io.Closer
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
