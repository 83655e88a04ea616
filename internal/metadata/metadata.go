// Package metadata records completed downloads in the backend's
// device_images collection. An id conflict means a previous run already
// recorded the image and counts as success.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ImageRow is the wire shape of one device_images insert.
type ImageRow struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	URL       string    `json:"url"`
	LocalPath string    `json:"local_path"`
	MD5Hash   string    `json:"md5_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// WriteError is a failed metadata insert. The download that triggered it is
// still retry-eligible: an unrecorded download is not durably synced.
type WriteError struct {
	StatusCode int
	Err        error
}

func (e *WriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("metadata write: %v", e.Err)
	}
	return fmt.Sprintf("metadata write: status %d", e.StatusCode)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Store inserts image rows against the backend collection endpoint.
type Store struct {
	http    *resty.Client
	baseURL string
	token   string
}

// NewStore builds a metadata store for the given backend base URL and
// bearer token (empty token sends no Authorization header).
func NewStore(baseURL, token string) *Store {
	return &Store{
		http:    resty.New().SetTimeout(30 * time.Second),
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// Record inserts row into device_images. A conflict on the primary key is
// treated as already-synced and returns nil.
func (s *Store) Record(ctx context.Context, row ImageRow) error {
	req := s.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(row)
	if s.token != "" {
		req.SetHeader("Authorization", "Bearer "+s.token)
	}

	resp, err := req.Post(s.baseURL + "/device_images")
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return context.Canceled
		}
		return &WriteError{Err: err}
	}
	if resp.StatusCode() == http.StatusConflict {
		return nil
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return &WriteError{StatusCode: resp.StatusCode()}
	}
	return nil
}
