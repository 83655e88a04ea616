package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cleverdata/lens-agent/internal/config"
	"github.com/cleverdata/lens-agent/internal/logging"
	"github.com/cleverdata/lens-agent/internal/manifest"
	"github.com/cleverdata/lens-agent/internal/metadata"
	"github.com/cleverdata/lens-agent/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	rows []metadata.ImageRow
	err  error
}

func (f *fakeRecorder) Record(ctx context.Context, row metadata.ImageRow) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, row)
	return nil
}

func testItem(url string) manifest.ImageItem {
	return manifest.ImageItem{
		ID:        "img-1",
		RemoteURL: url,
		Timestamp: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC),
		DeviceID:  "dev-7",
		FileName:  "img-1.jpg",
	}
}

func workerFixture(t *testing.T) (*Worker, *fakeRecorder, *state.Store, config.SyncConfig) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := &fakeRecorder{}
	cfg := config.Defaults()
	cfg.SourceEndpoint = "https://example.invalid"
	cfg.StorageRoot = t.TempDir()
	require.NoError(t, cfg.Validate())

	return NewWorker(rec, store, logging.Nop()), rec, store, cfg
}

func TestDownload_Success(t *testing.T) {
	payload := []byte("fake jpeg bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	w, rec, store, cfg := workerFixture(t)
	out := w.Download(context.Background(), testItem(srv.URL+"/img-1.jpg"), cfg)

	require.Equal(t, KindSuccess, out.Kind)
	wantHash := md5.Sum(payload)
	assert.Equal(t, hex.EncodeToString(wantHash[:]), out.ContentHash)
	assert.Equal(t, filepath.Join(cfg.StorageRoot, "dev-7", "img-1.jpg"), out.LocalPath)

	got, err := os.ReadFile(out.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// No stray .part files.
	entries, err := os.ReadDir(filepath.Dir(out.LocalPath))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Remote row and local log both written.
	require.Len(t, rec.rows, 1)
	assert.Equal(t, "img-1", rec.rows[0].ID)
	assert.Equal(t, out.ContentHash, rec.rows[0].MD5Hash)
	hash, _, ok, err := store.ImageHash("img-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, out.ContentHash, hash)
}

func TestDownload_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	w, rec, _, cfg := workerFixture(t)
	out := w.Download(context.Background(), testItem(srv.URL+"/gone.jpg"), cfg)

	assert.Equal(t, KindFailure, out.Kind)
	assert.Error(t, out.Err)
	assert.Empty(t, rec.rows)

	// Nothing left behind in the device directory.
	entries, _ := os.ReadDir(filepath.Join(cfg.StorageRoot, "dev-7"))
	assert.Empty(t, entries)
}

func TestDownload_TransportErrorIsFailure(t *testing.T) {
	w, _, _, cfg := workerFixture(t)
	out := w.Download(context.Background(), testItem("http://127.0.0.1:1/img.jpg"), cfg)

	assert.Equal(t, KindFailure, out.Kind)
	assert.Error(t, out.Err)
}

func TestDownload_SkipsWhenHashMatches(t *testing.T) {
	var hits atomic.Int32
	payload := []byte("fake jpeg bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(payload)
	}))
	defer srv.Close()

	w, _, _, cfg := workerFixture(t)
	item := testItem(srv.URL + "/img-1.jpg")

	first := w.Download(context.Background(), item, cfg)
	require.Equal(t, KindSuccess, first.Kind)
	require.Equal(t, int32(1), hits.Load())

	second := w.Download(context.Background(), item, cfg)
	require.Equal(t, KindSuccess, second.Kind)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, int32(1), hits.Load(), "matching file must not be re-transferred")
}

func TestDownload_RedownloadsWhenFileChangedOnDisk(t *testing.T) {
	var hits atomic.Int32
	payload := []byte("fake jpeg bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(payload)
	}))
	defer srv.Close()

	w, _, _, cfg := workerFixture(t)
	item := testItem(srv.URL + "/img-1.jpg")

	first := w.Download(context.Background(), item, cfg)
	require.Equal(t, KindSuccess, first.Kind)

	require.NoError(t, os.WriteFile(first.LocalPath, []byte("corrupted"), 0644))

	second := w.Download(context.Background(), item, cfg)
	require.Equal(t, KindSuccess, second.Kind)
	assert.Equal(t, int32(2), hits.Load())

	got, err := os.ReadFile(first.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownload_MetadataFailureIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake jpeg bytes"))
	}))
	defer srv.Close()

	w, rec, store, cfg := workerFixture(t)
	rec.err = &metadata.WriteError{StatusCode: http.StatusInternalServerError}

	out := w.Download(context.Background(), testItem(srv.URL+"/img-1.jpg"), cfg)

	assert.Equal(t, KindFailure, out.Kind)
	var werr *metadata.WriteError
	assert.ErrorAs(t, out.Err, &werr)

	// The local file stays (harmless orphan) but the image log does not
	// claim the item as synced.
	_, err := os.Stat(filepath.Join(cfg.StorageRoot, "dev-7", "img-1.jpg"))
	assert.NoError(t, err)
	_, _, ok, err := store.ImageHash("img-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDownload_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	w, _, _, cfg := workerFixture(t)
	out := w.Download(ctx, testItem(srv.URL+"/img-1.jpg"), cfg)

	assert.Equal(t, KindCancelled, out.Kind)
	assert.Nil(t, out.Err)
}

func TestDownload_StorageErrorType(t *testing.T) {
	err := &StorageError{Op: "mkdir", Err: errors.New("disk full")}
	assert.Contains(t, err.Error(), "mkdir")
	assert.ErrorContains(t, err, "disk full")
}
