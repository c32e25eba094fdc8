package library

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/manimstudio/internal/api"
	"github.com/maauso/manimstudio/internal/storage"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) ListVideos(ctx context.Context, page, pageSize int) (api.VideoList, error) {
	args := m.Called(ctx, page, pageSize)
	return args.Get(0).(api.VideoList), args.Error(1)
}

func (m *mockBackend) DownloadVideo(ctx context.Context, id int64) (io.ReadCloser, error) {
	args := m.Called(ctx, id)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1)
}

func (m *mockBackend) DeleteVideo(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// mp4Payload starts with an ISO base media ftyp box.
func mp4Payload() []byte {
	payload := []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom")
	return append(payload, bytes.Repeat([]byte{0xAB}, 5000)...)
}

type trackingCloser struct {
	io.Reader
	closed bool
}

func (t *trackingCloser) Close() error {
	t.closed = true
	return nil
}

func TestList_Defaults(t *testing.T) {
	tests := []struct {
		name                   string
		page, pageSize         int
		wantPage, wantPageSize int
	}{
		{name: "defaults", page: 0, pageSize: 0, wantPage: 1, wantPageSize: 50},
		{name: "negative", page: -3, pageSize: -1, wantPage: 1, wantPageSize: 50},
		{name: "capped", page: 2, pageSize: 500, wantPage: 2, wantPageSize: 100},
		{name: "passthrough", page: 3, pageSize: 20, wantPage: 3, wantPageSize: 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			backend := &mockBackend{}
			backend.On("ListVideos", ctx, tt.wantPage, tt.wantPageSize).
				Return(api.VideoList{Videos: []api.Video{{ID: 1}}, Total: 1}, nil)

			list, err := New(backend).List(ctx, tt.page, tt.pageSize)

			require.NoError(t, err)
			assert.Len(t, list.Videos, 1)
			backend.AssertExpectations(t)
		})
	}
}

func TestOpen_DetectsMP4(t *testing.T) {
	ctx := context.Background()
	payload := mp4Payload()
	body := &trackingCloser{Reader: bytes.NewReader(payload)}
	backend := &mockBackend{}
	backend.On("DownloadVideo", ctx, int64(42)).Return(body, nil)

	stream, err := New(backend).Open(ctx, 42)
	require.NoError(t, err)

	assert.Equal(t, "video/mp4", stream.ContentType)
	assert.Equal(t, "animation_42.mp4", stream.Filename)

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "sniffed bytes must be replayed")

	require.NoError(t, stream.Close())
	assert.True(t, body.closed)
}

func TestOpen_ShortPayload(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	backend.On("DownloadVideo", ctx, int64(3)).
		Return(io.NopCloser(bytes.NewReader([]byte("GIF89a tiny"))), nil)

	stream, err := New(backend).Open(ctx, 3)
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "image/gif", stream.ContentType)
	assert.Equal(t, "animation_3.gif", stream.Filename)
	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "GIF89a tiny", string(got))
}

func TestOpen_BackendError(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	backend.On("DownloadVideo", ctx, int64(9)).
		Return(nil, &api.Error{Message: "not found", Status: 404, Err: api.ErrRequestFailed})

	_, err := New(backend).Open(ctx, 9)

	assert.ErrorIs(t, err, api.ErrRequestFailed)
}

func TestArchive_SavesToStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)

	payload := mp4Payload()
	backend := &mockBackend{}
	backend.On("DownloadVideo", ctx, int64(42)).Return(io.NopCloser(bytes.NewReader(payload)), nil)

	archived, err := New(backend, WithStorage(store)).Archive(ctx, 42)
	require.NoError(t, err)

	assert.Equal(t, Archived{
		VideoID:     42,
		Name:        "animation_42.mp4",
		Location:    filepath.Join(dir, "animation_42.mp4"),
		ContentType: "video/mp4",
		Size:        int64(len(payload)),
	}, archived)

	saved, err := os.ReadFile(filepath.Join(dir, "animation_42.mp4"))
	require.NoError(t, err)
	assert.Equal(t, payload, saved)
}

func TestArchive_RequiresStorage(t *testing.T) {
	backend := &mockBackend{}

	_, err := New(backend).Archive(context.Background(), 1)

	assert.ErrorIs(t, err, ErrNoStorage)
	backend.AssertNotCalled(t, "DownloadVideo", mock.Anything, mock.Anything)
}

func TestDelete_RemovesArchivedCopy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)

	backend := &mockBackend{}
	backend.On("DownloadVideo", ctx, int64(5)).Return(io.NopCloser(bytes.NewReader(mp4Payload())), nil)
	backend.On("DeleteVideo", ctx, int64(5)).Return(nil)

	lib := New(backend, WithStorage(store))
	_, err = lib.Archive(ctx, 5)
	require.NoError(t, err)

	require.NoError(t, lib.Delete(ctx, 5))

	_, err = os.Stat(filepath.Join(dir, "animation_5.mp4"))
	assert.True(t, os.IsNotExist(err))
	backend.AssertExpectations(t)
}

func TestDelete_BackendError(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	backend.On("DeleteVideo", ctx, int64(5)).Return(errors.New("boom"))

	err := New(backend).Delete(ctx, 5)

	assert.EqualError(t, err, "boom")
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "animation_7.mp4", Filename(7, ".mp4"))
	assert.Equal(t, "animation_12.webm", Filename(12, ".webm"))
}
