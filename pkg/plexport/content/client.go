package content

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var (
	// ErrNotFound is returned when the playlist does not exist.
	ErrNotFound = errors.New("playlist not found")

	// ErrUnexpectedStatus is returned for any other non-2xx response.
	ErrUnexpectedStatus = errors.New("unexpected content API status")
)

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client resolves playlists against the content API.
type Client struct {
	http *resty.Client
}

// New creates a content API client.
func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	if opts.Token != "" {
		c.SetAuthToken(opts.Token)
	}

	return &Client{http: c}
}

// ResolvePlaylist fetches the playlist with the given id.
func (c *Client) ResolvePlaylist(ctx context.Context, id string) (*Playlist, error) {
	var pl Playlist
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&pl).
		Get("/playlists/{id}")
	if err != nil {
		return nil, fmt.Errorf("resolving playlist %s: %w", id, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case resp.IsError():
		return nil, fmt.Errorf("%w: %s for playlist %s", ErrUnexpectedStatus, resp.Status(), id)
	}

	if pl.ID == "" {
		pl.ID = id
	}
	return &pl, nil
}
