package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cleverdata/lens-agent/internal/config"
	"github.com/cleverdata/lens-agent/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(endpoint string) config.SyncConfig {
	cfg := config.Defaults()
	cfg.SourceEndpoint = endpoint
	cfg.StorageRoot = "/tmp/lens"
	cfg.AuthToken = "sk_test"
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func TestFetchSince_QueryAndAuth(t *testing.T) {
	var gotQuery map[string][]string
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(logging.Nop())
	items, err := c.FetchSince(context.Background(), "2026-08-28T10:00:00Z", testConfig(srv.URL))
	require.NoError(t, err)
	assert.Empty(t, items)

	assert.Equal(t, "2026-08-28T10:00:00Z", gotQuery["since"][0])
	assert.Equal(t, "jpeg,jpg,png", gotQuery["fileTypes"][0])
	assert.Equal(t, "Bearer sk_test", gotAuth)
}

func TestFetchSince_OmitsSinceWhenNeverSynced(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(logging.Nop())
	_, err := c.FetchSince(context.Background(), "", testConfig(srv.URL))
	require.NoError(t, err)

	_, present := gotQuery["since"]
	assert.False(t, present)
}

func TestFetchSince_DropsMalformedRecords(t *testing.T) {
	body := `[
		{"id":"a","url":"https://img/a.jpg","timestamp":"2026-08-28T10:00:00Z","deviceId":"dev-1"},
		{"id":"b","timestamp":"2026-08-28T10:01:00Z","deviceId":"dev-1"},
		{"id":"c","url":"https://img/c.png","timestamp":"not-a-time","deviceId":"dev-2"},
		{"id":"d","url":"https://img/d.png","timestamp":"2026-08-28T10:02:00Z","deviceId":"dev-2","fileName":"shot.png"}
	]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewClient(logging.Nop())
	items, err := c.FetchSince(context.Background(), "", testConfig(srv.URL))
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "a.jpg", items[0].FileName) // synthesized from id + url extension
	assert.Equal(t, "d", items[1].ID)
	assert.Equal(t, "shot.png", items[1].FileName)
	assert.Equal(t, time.Date(2026, 8, 28, 10, 2, 0, 0, time.UTC), items[1].Timestamp)
}

func TestFetchSince_SanitizesFileName(t *testing.T) {
	body := `[{"id":"a","url":"https://img/a.jpg","timestamp":"2026-08-28T10:00:00Z","deviceId":"dev-1","fileName":"../../etc/passwd"}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewClient(logging.Nop())
	items, err := c.FetchSince(context.Background(), "", testConfig(srv.URL))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "passwd", items[0].FileName)
}

func TestFetchSince_ProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"nope"}`))
	}))
	defer srv.Close()

	c := NewClient(logging.Nop())
	_, err := c.FetchSince(context.Background(), "", testConfig(srv.URL))

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestFetchSince_AuthRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(logging.Nop())
	_, err := c.FetchSince(context.Background(), "", testConfig(srv.URL))

	var nerr *NetworkError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, http.StatusUnauthorized, nerr.StatusCode)
}

func TestFetchSince_TransportError(t *testing.T) {
	c := NewClient(logging.Nop())
	_, err := c.FetchSince(context.Background(), "", testConfig("http://127.0.0.1:1"))

	var nerr *NetworkError
	require.ErrorAs(t, err, &nerr)
}

func TestFetchSince_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	c := NewClient(logging.Nop())
	_, err := c.FetchSince(ctx, "", testConfig(srv.URL))
	require.ErrorIs(t, err, context.Canceled)
}
