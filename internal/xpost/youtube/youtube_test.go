package youtube

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishResumable(t *testing.T) {
	var (
		meta     video
		uploaded string
	)
	mux := http.NewServeMux()
	srvURL := ""
	mux.HandleFunc("/videos", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "resumable", r.URL.Query().Get("uploadType"))
		assert.Equal(t, "snippet,status", r.URL.Query().Get("part"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "video/mp4", r.Header.Get("X-Upload-Content-Type"))
		assert.Equal(t, "4", r.Header.Get("X-Upload-Content-Length"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&meta))
		w.Header().Set("Location", srvURL+"/session/1")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session/1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		b, _ := io.ReadAll(r.Body)
		uploaded = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"dQw4w9WgXcQ"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	at := time.Date(2030, 5, 6, 7, 8, 9, 0, time.FixedZone("x", 3600))
	c := New(srv.URL, srv.URL, opener("mp4!"))
	res, err := c.Publish(context.Background(), xpost.NormalizedRequest{
		Text:       "My Title\nlonger description",
		Media:      []xpost.Media{{Kind: xpost.MediaVideo, Path: "/tmp/v.mp4", ContentType: "video/mp4", Size: 4}},
		ScheduleAt: &at,
	}, xpost.Credential{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "dQw4w9WgXcQ", res.PostID)
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", res.URL)
	assert.Equal(t, "mp4!", uploaded)

	assert.Equal(t, "My Title", meta.Snippet.Title)
	assert.Equal(t, "longer description", meta.Snippet.Description)
	assert.Equal(t, "22", meta.Snippet.CategoryID)
	assert.Equal(t, "private", meta.Status.PrivacyStatus)
	assert.Equal(t, "2030-05-06T06:08:09Z", meta.Status.PublishAt)
}

func TestPublishMissingLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.URL, opener("x"))
	_, err := c.Publish(context.Background(), xpost.NormalizedRequest{
		Media: []xpost.Media{{Kind: xpost.MediaVideo, URL: "https://cdn.test/v.mp4"}},
	}, xpost.Credential{Token: "tok"})
	require.Error(t, err)
	assert.Equal(t, xpost.FailurePermanent, xpost.Classify(err))
}

func TestPublishQuotaExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"The request cannot be completed because you have exceeded your quota."}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.URL, opener("x"))
	_, err := c.Publish(context.Background(), xpost.NormalizedRequest{
		Media: []xpost.Media{{Kind: xpost.MediaVideo, URL: "https://cdn.test/v.mp4"}},
	}, xpost.Credential{Token: "tok"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "exceeded your quota")
}

func TestMetadata(t *testing.T) {
	v := metadata(xpost.NormalizedRequest{Text: "just one line"}, xpost.Credential{
		Aux: map[string]string{ParamCategoryID: "10", ParamPrivacy: "Unlisted"},
	})
	assert.Equal(t, "just one line", v.Snippet.Title)
	assert.Equal(t, "just one line", v.Snippet.Description)
	assert.Equal(t, "10", v.Snippet.CategoryID)
	assert.Equal(t, "unlisted", v.Status.PrivacyStatus)
	assert.Empty(t, v.Status.PublishAt)

	title, _ := splitText(strings.Repeat("é", 150))
	assert.Len(t, []rune(title), maxTitle)

	title, _ = splitText("")
	assert.Equal(t, "Untitled", title)
}

func TestAuthenticate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("mine"))
		w.Header().Set("Content-Type", "application/json")
		switch r.Header.Get("Authorization") {
		case "Bearer tok":
			_, _ = w.Write([]byte(`{"items":[{"id":"UC1","snippet":{"title":"Chan","customUrl":"@chan"}}]}`))
		case "Bearer empty":
			_, _ = w.Write([]byte(`{"items":[]}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials"}}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, srv.URL, nil)
	acct, err := c.Authenticate(context.Background(), xpost.Credential{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, xpost.AuthResult{AccountID: "UC1", Username: "@chan", Name: "Chan"}, acct)

	_, err = c.Authenticate(context.Background(), xpost.Credential{Token: "empty"})
	assert.Equal(t, xpost.FailureAuth, xpost.Classify(err))

	_, err = c.Authenticate(context.Background(), xpost.Credential{Token: "bad"})
	assert.Equal(t, xpost.FailureAuth, xpost.Classify(err))
	assert.ErrorContains(t, err, "Invalid Credentials")
}

func TestCredentialFromEnv(t *testing.T) {
	t.Setenv(envAccessToken, "")
	_, err := CredentialFromEnv()
	assert.ErrorContains(t, err, envAccessToken)

	t.Setenv(envAccessToken, "ya29")
	t.Setenv(envCategoryID, "")
	cred, err := CredentialFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "ya29", cred.Token)
	assert.Nil(t, cred.Aux)
}

type opener string

func (o opener) Open(context.Context, xpost.Media) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(o))), nil
}
