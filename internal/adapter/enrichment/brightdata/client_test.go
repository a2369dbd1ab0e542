package brightdata

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/creator-discovery/internal/config"
	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(config.Config{
		EnrichmentBaseURL:  srv.URL,
		EnrichmentAPIKey:   "secret",
		InstagramDatasetID: "ds-ig",
		TikTokDatasetID:    "ds-tt",
	})
}

func TestTriggerInstagram(t *testing.T) {
	t.Parallel()
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/trigger", r.URL.Path)
		require.Equal(t, "ds-ig", r.URL.Query().Get("dataset_id"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		var rows []map[string]string
		require.NoError(t, json.Unmarshal(b, &rows))
		require.Len(t, rows, 2)
		assert.Equal(t, "instagram.com/alice", rows[0]["url"])
		_, hasCountry := rows[0]["country"]
		assert.False(t, hasCountry)
		_ = json.NewEncoder(w).Encode(map[string]string{"snapshot_id": "snap-1"})
	})
	id, err := c.Trigger(context.Background(), domain.PlatformInstagram,
		[]string{"instagram.com/alice", "instagram.com/bob"})
	require.NoError(t, err)
	assert.Equal(t, "snap-1", id)
}

func TestTriggerTikTokIncludesCountryField(t *testing.T) {
	t.Parallel()
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var rows []map[string]string
		require.NoError(t, json.Unmarshal(b, &rows))
		require.Len(t, rows, 1)
		country, hasCountry := rows[0]["country"]
		assert.True(t, hasCountry)
		assert.Equal(t, "", country)
		_ = json.NewEncoder(w).Encode(map[string]string{"snapshot_id": "snap-2"})
	})
	id, err := c.Trigger(context.Background(), domain.PlatformTikTok, []string{"tiktok.com/@alice"})
	require.NoError(t, err)
	assert.Equal(t, "snap-2", id)
}

func TestTriggerUnknownPlatform(t *testing.T) {
	t.Parallel()
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := c.Trigger(context.Background(), domain.PlatformUnknown, []string{"example.com/x"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestProgressStates(t *testing.T) {
	t.Parallel()
	cases := map[string]domain.SnapshotStatus{
		"running":   domain.SnapshotRunning,
		"building":  domain.SnapshotRunning,
		"ready":     domain.SnapshotReady,
		"completed": domain.SnapshotReady,
		"failed":    domain.SnapshotFailed,
		"error":     domain.SnapshotFailed,
	}
	for raw, want := range cases {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/progress/snap-1", r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": raw})
		})
		got, err := c.Progress(context.Background(), "snap-1")
		require.NoError(t, err)
		assert.Equal(t, want, got, "status %q", raw)
	}
}

func TestDownload(t *testing.T) {
	t.Parallel()
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/snapshot/snap-1", r.URL.Path)
		require.Equal(t, "json", r.URL.Query().Get("format"))
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"url": "instagram.com/alice", "followers": 1200},
		})
	})
	rows, err := c.Download(context.Background(), "snap-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "instagram.com/alice", rows[0]["url"])
}
