// Package manifest queries the remote source for device images changed
// since the last-sync watermark.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cleverdata/lens-agent/internal/config"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ImageItem is one remote image pending transfer. Items are never mutated:
// a retried item is a fresh attempt against the same identity.
type ImageItem struct {
	ID        string
	RemoteURL string
	Timestamp time.Time
	DeviceID  string
	FileName  string
}

// NetworkError is a transport-level fetch failure, including auth
// rejections. Always retried wholesale at the next cycle.
type NetworkError struct {
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("manifest fetch: %v", e.Err)
	}
	return fmt.Sprintf("manifest fetch: status %d", e.StatusCode)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError means the response body was not a well-formed item list.
// Individual malformed records do not cause this; they are dropped.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("manifest protocol: %s", e.Reason)
}

// Client fetches manifests over HTTP.
type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

// NewClient builds a manifest client. The transport timeout is fixed; the
// per-cycle context carries cancellation from the engine.
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		http: resty.New().SetTimeout(30 * time.Second),
		log:  log,
	}
}

// wire record as returned by the source. Timestamp stays a string so a
// missing field is distinguishable from an unparsable one.
type itemRecord struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Timestamp string `json:"timestamp"`
	DeviceID  string `json:"deviceId"`
	FileName  string `json:"fileName"`
}

// FetchSince issues a fresh manifest request filtered by the watermark
// (omitted when empty) and the accepted file types. Records missing id,
// url or timestamp are dropped with a warning rather than failing the
// fetch. A canceled context surfaces as context.Canceled so the engine can
// treat it as a non-fatal stop, not an error.
func (c *Client) FetchSince(ctx context.Context, watermark string, cfg config.SyncConfig) ([]ImageItem, error) {
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("fileTypes", cfg.FileTypesParam())
	if watermark != "" {
		req.SetQueryParam("since", watermark)
	}
	if cfg.AuthToken != "" {
		req.SetHeader("Authorization", "Bearer "+cfg.AuthToken)
	}

	resp, err := req.Get(cfg.SourceEndpoint)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, context.Canceled
		}
		return nil, &NetworkError{Err: err}
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, &NetworkError{StatusCode: resp.StatusCode()}
	}

	var records []itemRecord
	if err := json.Unmarshal(resp.Body(), &records); err != nil {
		return nil, &ProtocolError{Reason: "response is not a JSON item array"}
	}

	items := make([]ImageItem, 0, len(records))
	for _, r := range records {
		item, err := r.toItem()
		if err != nil {
			c.log.Warn().Str("id", r.ID).Err(err).Msg("dropping malformed manifest record")
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (r itemRecord) toItem() (ImageItem, error) {
	if r.ID == "" {
		return ImageItem{}, errors.New("missing id")
	}
	if r.URL == "" {
		return ImageItem{}, errors.New("missing url")
	}
	if r.Timestamp == "" {
		return ImageItem{}, errors.New("missing timestamp")
	}
	ts, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		return ImageItem{}, fmt.Errorf("bad timestamp %q", r.Timestamp)
	}

	item := ImageItem{
		ID:        r.ID,
		RemoteURL: r.URL,
		Timestamp: ts,
		DeviceID:  r.DeviceID,
		FileName:  sanitizeName(r.FileName),
	}
	if item.DeviceID == "" {
		item.DeviceID = "unknown"
	}
	if item.FileName == "" {
		item.FileName = r.ID + "." + inferExtension(r.URL)
	}
	return item, nil
}

// sanitizeName strips any path components so a hostile file name cannot
// escape the device directory.
func sanitizeName(name string) string {
	if name == "" {
		return ""
	}
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func inferExtension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		if ext := strings.TrimPrefix(path.Ext(u.Path), "."); ext != "" {
			return strings.ToLower(ext)
		}
	}
	return "jpg"
}
