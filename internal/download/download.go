// Package download transfers one remote image to local storage and records
// the result remotely. Download is a pure function of (item, config): all
// engine-level bookkeeping lives with the caller.
package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cleverdata/lens-agent/internal/config"
	"github.com/cleverdata/lens-agent/internal/manifest"
	"github.com/cleverdata/lens-agent/internal/metadata"
	"github.com/cleverdata/lens-agent/internal/state"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind classifies a download outcome.
type Kind int

const (
	KindSuccess Kind = iota
	KindFailure
	KindCancelled
)

// Outcome is the terminal result of one download attempt.
type Outcome struct {
	Kind        Kind
	LocalPath   string
	ContentHash string
	Err         error
}

func success(path, hash string) Outcome {
	return Outcome{Kind: KindSuccess, LocalPath: path, ContentHash: hash}
}

func failure(err error) Outcome {
	return Outcome{Kind: KindFailure, Err: err}
}

func cancelled() Outcome {
	return Outcome{Kind: KindCancelled}
}

// StorageError is a local filesystem failure. Retryable, same as a network
// failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Recorder is the remote metadata insert consumed on success.
type Recorder interface {
	Record(ctx context.Context, row metadata.ImageRow) error
}

// ImageLog is the local log consulted for the idempotence check and updated
// after a durably recorded download.
type ImageLog interface {
	ImageHash(id string) (hash, path string, ok bool, err error)
	MarkSynced(rec state.ImageRecord) error
}

// Worker downloads images. One worker is shared by all concurrent
// dispatches; it holds no per-item state.
type Worker struct {
	http *resty.Client
	meta Recorder
	log  ImageLog
	zlog zerolog.Logger
}

// NewWorker builds a download worker. The transfer timeout is a finite
// transport-level default, not separately configured.
func NewWorker(meta Recorder, log ImageLog, zlog zerolog.Logger) *Worker {
	return &Worker{
		http: resty.New().SetTimeout(5 * time.Minute),
		meta: meta,
		log:  log,
		zlog: zlog,
	}
}

// Download fetches item into <storageRoot>/<deviceId>/<fileName>, hashing
// the stream as it arrives, then records the image remotely. A local file
// that already matches the logged hash short-circuits to Success without a
// transfer. A failed metadata insert yields Failure even though the file
// landed: an unrecorded download is not durably synced.
func (w *Worker) Download(ctx context.Context, item manifest.ImageItem, cfg config.SyncConfig) Outcome {
	dir := filepath.Join(cfg.StorageRoot, item.DeviceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return failure(&StorageError{Op: "mkdir", Err: err})
	}
	finalPath := filepath.Join(dir, item.FileName)

	if out, done := w.alreadySynced(item, finalPath); done {
		return out
	}

	tmpPath := finalPath + "." + uuid.NewString() + ".part"
	hash, out := w.fetchToFile(ctx, item, cfg, tmpPath)
	if out != nil {
		os.Remove(tmpPath)
		return *out
	}

	if _, err := os.Stat(finalPath); err == nil {
		w.zlog.Warn().Str("id", item.ID).Str("path", finalPath).Msg("replacing existing file with different content")
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return failure(&StorageError{Op: "rename", Err: err})
	}

	row := metadata.ImageRow{
		ID:        item.ID,
		DeviceID:  item.DeviceID,
		URL:       item.RemoteURL,
		LocalPath: finalPath,
		MD5Hash:   hash,
		CreatedAt: item.Timestamp,
	}
	if err := w.meta.Record(ctx, row); err != nil {
		if errors.Is(err, context.Canceled) {
			return cancelled()
		}
		// The file stays on disk; a retry will skip the transfer once the
		// insert eventually lands.
		return failure(err)
	}

	if err := w.log.MarkSynced(state.ImageRecord{
		ID:        item.ID,
		DeviceID:  item.DeviceID,
		LocalPath: finalPath,
		MD5Hash:   hash,
		CreatedAt: item.Timestamp,
	}); err != nil {
		// Only the skip optimization is lost; the remote insert is the
		// source of truth and conflicts are idempotent.
		w.zlog.Warn().Str("id", item.ID).Err(err).Msg("image log write failed")
	}

	return success(finalPath, hash)
}

// alreadySynced reports (outcome, true) when the final path holds a file
// whose hash matches the one logged for this id.
func (w *Worker) alreadySynced(item manifest.ImageItem, finalPath string) (Outcome, bool) {
	logged, _, ok, err := w.log.ImageHash(item.ID)
	if err != nil || !ok {
		return Outcome{}, false
	}
	onDisk, err := hashFile(finalPath)
	if err != nil {
		return Outcome{}, false
	}
	if onDisk != logged {
		return Outcome{}, false
	}
	w.zlog.Debug().Str("id", item.ID).Str("path", finalPath).Msg("already synced, skipping transfer")
	return success(finalPath, onDisk), true
}

// fetchToFile streams the remote image to tmpPath, accumulating the MD5
// chunk by chunk. Returns the hex hash on success, or a non-nil outcome on
// failure or cancellation.
func (w *Worker) fetchToFile(ctx context.Context, item manifest.ImageItem, cfg config.SyncConfig, tmpPath string) (string, *Outcome) {
	req := w.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if cfg.AuthToken != "" {
		req.SetHeader("Authorization", "Bearer "+cfg.AuthToken)
	}

	resp, err := req.Get(item.RemoteURL)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			out := cancelled()
			return "", &out
		}
		out := failure(fmt.Errorf("transfer %s: %w", item.RemoteURL, err))
		return "", &out
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		out := failure(fmt.Errorf("transfer %s: status %d", item.RemoteURL, resp.StatusCode()))
		return "", &out
	}

	f, err := os.Create(tmpPath)
	if err != nil {
		out := failure(&StorageError{Op: "create", Err: err})
		return "", &out
	}

	hasher := md5.New()
	_, copyErr := io.Copy(io.MultiWriter(f, hasher), body)
	closeErr := f.Close()
	if copyErr != nil {
		if errors.Is(copyErr, context.Canceled) || ctx.Err() != nil {
			out := cancelled()
			return "", &out
		}
		out := failure(&StorageError{Op: "write", Err: copyErr})
		return "", &out
	}
	if closeErr != nil {
		out := failure(&StorageError{Op: "close", Err: closeErr})
		return "", &out
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := md5.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
