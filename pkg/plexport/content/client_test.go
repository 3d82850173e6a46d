package content

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const playlistJSON = `{
  "id": "pl-1",
  "title": "Road Trip",
  "coverImageUrl": "https://cdn.example.com/cover.jpg",
  "chapters": [
    {"key": "c1", "title": "Morning", "iconUrl": "https://cdn.example.com/c1.png",
     "tracks": [
       {"key": "t1", "title": "Intro", "url": "https://cdn.example.com/t1.mp3", "format": "mp3", "size": 1024},
       {"key": "t2", "title": "Drive", "url": "library://t2"}
     ]},
    {"key": "c2", "title": "Evening", "tracks": [
       {"key": "t3", "title": "Outro", "url": "https://cdn.example.com/t3.m4a", "format": "m4a"}
     ]}
  ]
}`

func TestResolvePlaylist(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(playlistJSON))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL + "/", Token: "secret"})
	pl, err := c.ResolvePlaylist(context.Background(), "pl-1")
	require.NoError(t, err)

	assert.Equal(t, "/playlists/pl-1", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "Road Trip", pl.Title)
	assert.Equal(t, "https://cdn.example.com/cover.jpg", pl.CoverImageURL)
	require.Len(t, pl.Chapters, 2)
	assert.Equal(t, "https://cdn.example.com/c1.png", pl.Chapters[0].IconURL)

	tracks := pl.Tracks()
	require.Len(t, tracks, 3)
	assert.Equal(t, []string{"t1", "t2", "t3"}, []string{tracks[0].Key, tracks[1].Key, tracks[2].Key})
	assert.Equal(t, int64(1024), tracks[0].Size)
}

func TestResolvePlaylist_FillsMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title": "Untitled", "chapters": []}`))
	}))
	defer srv.Close()

	pl, err := New(Options{BaseURL: srv.URL}).ResolvePlaylist(context.Background(), "pl-9")
	require.NoError(t, err)
	assert.Equal(t, "pl-9", pl.ID)
	assert.Empty(t, pl.Tracks())
}

func TestResolvePlaylist_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"not found", http.StatusNotFound, ErrNotFound},
		{"server error", http.StatusInternalServerError, ErrUnexpectedStatus},
		{"unauthorized", http.StatusUnauthorized, ErrUnexpectedStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := New(Options{BaseURL: srv.URL}).ResolvePlaylist(context.Background(), "pl-1")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResolvePlaylist_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(Options{BaseURL: srv.URL}).ResolvePlaylist(ctx, "pl-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
