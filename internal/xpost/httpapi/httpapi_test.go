package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/ok":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			assert.Equal(t, "application/json; charset=UTF-8", r.Header.Get("Content-Type"))
			assert.Equal(t, "1", r.URL.Query().Get("a"))
			_, _ = w.Write([]byte(`{"id":"123"}`))
		case "/v1/graph":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"Invalid parameter","type":"OAuthException","code":100}}`))
		case "/v1/oauth":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_token","error_description":"expired"}`))
		case "/v1/slow":
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/v1/down":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream broke"))
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/v1/")
	ctx := context.Background()

	req := Request{Method: http.MethodPost, Path: "ok", Query: url.Values{"a": {"1"}}, Bearer: "tok"}
	require.NoError(t, req.JSON(map[string]string{"k": "v"}))
	var out struct {
		ID string `json:"id"`
	}
	_, err := c.Do(ctx, req, &out)
	require.NoError(t, err)
	assert.Equal(t, "123", out.ID)

	_, err = c.Do(ctx, Request{Method: http.MethodGet, Path: "graph"}, nil)
	require.Error(t, err)
	assert.Equal(t, xpost.FailurePermanent, xpost.Classify(err))
	assert.Contains(t, err.Error(), "Invalid parameter")

	_, err = c.Do(ctx, Request{Method: http.MethodGet, Path: "oauth"}, nil)
	assert.Equal(t, xpost.FailureAuth, xpost.Classify(err))
	assert.Contains(t, err.Error(), "invalid_token: expired")

	_, err = c.Do(ctx, Request{Method: http.MethodGet, Path: srv.URL + "/v1/slow"}, nil)
	assert.Equal(t, xpost.FailureTransient, xpost.Classify(err))
	assert.Equal(t, 7*time.Second, xpost.RetryAfter(err))

	_, err = c.Do(ctx, Request{Method: http.MethodGet, Path: "down"}, nil)
	assert.Equal(t, xpost.FailureTransient, xpost.Classify(err))
	assert.Contains(t, err.Error(), "upstream broke")
}

func TestDoTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	_, err := New(base).Do(context.Background(), Request{Method: http.MethodGet, Path: "x", Query: url.Values{"access_token": {"secret"}}}, nil)
	require.Error(t, err)
	assert.Equal(t, xpost.FailureTransient, xpost.Classify(err))
	assert.NotContains(t, err.Error(), "secret")
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h := http.Header{}
	assert.Zero(t, RetryAfter(h, now))
	h.Set("Retry-After", "3")
	assert.Equal(t, 3*time.Second, RetryAfter(h, now))
	h.Set("Retry-After", now.Add(time.Minute).Format(http.TimeFormat))
	assert.Equal(t, time.Minute, RetryAfter(h, now))
	h.Set("Retry-After", "soon")
	assert.Zero(t, RetryAfter(h, now))
}
