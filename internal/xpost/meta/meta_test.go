package meta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	Method string
	Path   string
	Form   url.Values
}

// fakeGraph records every call and answers from a path keyed table.
type fakeGraph struct {
	mu    sync.Mutex
	calls []call
	reply map[string]func(n int) (int, string)
	seen  map[string]int
}

func newFakeGraph(t *testing.T, reply map[string]func(n int) (int, string)) (*fakeGraph, *httptest.Server) {
	t.Helper()
	g := &fakeGraph{reply: reply, seen: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		g.mu.Lock()
		g.calls = append(g.calls, call{Method: r.Method, Path: r.URL.Path, Form: r.Form})
		key := r.Method + " " + r.URL.Path
		n := g.seen[key]
		g.seen[key]++
		fn, ok := g.reply[key]
		g.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"message":"unknown path ` + key + `"}}`))
			return
		}
		status, body := fn(n)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *fakeGraph) find(method, path string) (call, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.calls {
		if c.Method == method && c.Path == path {
			return c, true
		}
	}
	return call{}, false
}

func ok(body string) func(int) (int, string) {
	return func(int) (int, string) { return http.StatusOK, body }
}

func fastOptions(base string) Options {
	return Options{GraphURL: base, ThreadsURL: base, PollInterval: time.Millisecond, PollAttempts: 3}
}

func TestFacebookText(t *testing.T) {
	g, srv := newFakeGraph(t, map[string]func(int) (int, string){
		"POST /123/feed": ok(`{"id":"123_456"}`),
	})
	fb := NewFacebook(fastOptions(srv.URL))
	cred := xpost.Credential{Token: "page-token", Aux: map[string]string{ParamPageID: "123"}}

	res, err := fb.Publish(context.Background(), xpost.NormalizedRequest{Text: "hello"}, cred)
	require.NoError(t, err)
	assert.Equal(t, "123_456", res.PostID)
	assert.Equal(t, "https://www.facebook.com/123_456", res.URL)

	c, found := g.find(http.MethodPost, "/123/feed")
	require.True(t, found)
	assert.Equal(t, "hello", c.Form.Get("message"))
	assert.Equal(t, "page-token", c.Form.Get("access_token"))
	assert.Empty(t, c.Form.Get("published"))
}

func TestFacebookScheduledPhoto(t *testing.T) {
	g, srv := newFakeGraph(t, map[string]func(int) (int, string){
		"POST /123/photos": ok(`{"id":"789","post_id":"123_789"}`),
	})
	fb := NewFacebook(fastOptions(srv.URL))
	cred := xpost.Credential{Token: "tok", Aux: map[string]string{ParamPageID: "123"}}
	at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	res, err := fb.Publish(context.Background(), xpost.NormalizedRequest{
		Text:       "pic",
		Media:      []xpost.Media{{Kind: xpost.MediaImage, URL: "https://cdn.test/a.png", AltText: "a cat"}},
		ScheduleAt: &at,
	}, cred)
	require.NoError(t, err)
	assert.Equal(t, "123_789", res.PostID)

	c, _ := g.find(http.MethodPost, "/123/photos")
	assert.Equal(t, "https://cdn.test/a.png", c.Form.Get("url"))
	assert.Equal(t, "pic", c.Form.Get("caption"))
	assert.Equal(t, "false", c.Form.Get("published"))
	assert.Equal(t, "1893553445", c.Form.Get("scheduled_publish_time"))
}

func TestFacebookMultiPhoto(t *testing.T) {
	g, srv := newFakeGraph(t, map[string]func(int) (int, string){
		"POST /123/photos": func(n int) (int, string) {
			return http.StatusOK, `{"id":"p` + string(rune('0'+n)) + `"}`
		},
		"POST /123/feed": ok(`{"id":"123_999"}`),
	})
	fb := NewFacebook(fastOptions(srv.URL))
	cred := xpost.Credential{Token: "tok", Aux: map[string]string{ParamPageID: "123"}}

	_, err := fb.Publish(context.Background(), xpost.NormalizedRequest{
		Text: "two",
		Media: []xpost.Media{
			{Kind: xpost.MediaImage, URL: "https://cdn.test/1.png"},
			{Kind: xpost.MediaImage, URL: "https://cdn.test/2.png"},
		},
	}, cred)
	require.NoError(t, err)

	c, _ := g.find(http.MethodPost, "/123/feed")
	assert.Equal(t, `{"media_fbid":"p0"}`, c.Form.Get("attached_media[0]"))
	assert.Equal(t, `{"media_fbid":"p1"}`, c.Form.Get("attached_media[1]"))
}

func TestFacebookErrors(t *testing.T) {
	_, srv := newFakeGraph(t, map[string]func(int) (int, string){
		"POST /123/feed": func(int) (int, string) {
			return http.StatusUnauthorized, `{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`
		},
	})
	fb := NewFacebook(fastOptions(srv.URL))

	_, err := fb.Publish(context.Background(), xpost.NormalizedRequest{Text: "x"},
		xpost.Credential{Token: "bad", Aux: map[string]string{ParamPageID: "123"}})
	require.Error(t, err)
	assert.Equal(t, xpost.FailureAuth, xpost.Classify(err))
	assert.ErrorContains(t, err, "Error validating access token")

	_, err = fb.Publish(context.Background(), xpost.NormalizedRequest{Text: "x"}, xpost.Credential{Token: "t"})
	assert.Equal(t, xpost.FailureAuth, xpost.Classify(err))

	_, err = fb.Publish(context.Background(), xpost.NormalizedRequest{
		Media: []xpost.Media{{Kind: xpost.MediaImage, Path: "/tmp/a.png"}},
	}, xpost.Credential{Token: "t", Aux: map[string]string{ParamPageID: "123"}})
	assert.Equal(t, xpost.FailurePermanent, xpost.Classify(err))
	assert.ErrorContains(t, err, "reachable by url")
}

func TestFacebookAuthenticate(t *testing.T) {
	g, srv := newFakeGraph(t, map[string]func(int) (int, string){
		"GET /me": ok(`{"id":"123","name":"My Page"}`),
	})
	fb := NewFacebook(fastOptions(srv.URL))

	acct, err := fb.Authenticate(context.Background(), xpost.Credential{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, xpost.AuthResult{AccountID: "123", Name: "My Page"}, acct)

	c, _ := g.find(http.MethodGet, "/me")
	assert.Equal(t, "id,name", c.Form.Get("fields"))
	assert.Equal(t, "tok", c.Form.Get("access_token"))
}

func TestInstagramReel(t *testing.T) {
	g, srv := newFakeGraph(t, map[string]func(int) (int, string){
		"POST /ig1/media": ok(`{"id":"c1"}`),
		"GET /c1": func(n int) (int, string) {
			if n == 0 {
				return http.StatusOK, `{"status_code":"IN_PROGRESS"}`
			}
			return http.StatusOK, `{"status_code":"FINISHED"}`
		},
		"POST /ig1/media_publish": ok(`{"id":"m1"}`),
		"GET /m1":                 ok(`{"permalink":"https://www.instagram.com/reel/abc/"}`),
	})
	ig := NewInstagram(fastOptions(srv.URL))
	cred := xpost.Credential{Token: "tok", Aux: map[string]string{ParamInstagramAccountID: "ig1"}}

	res, err := ig.Publish(context.Background(), xpost.NormalizedRequest{
		Text:  "reel",
		Media: []xpost.Media{{Kind: xpost.MediaVideo, URL: "https://cdn.test/v.mp4"}},
	}, cred)
	require.NoError(t, err)
	assert.Equal(t, "m1", res.PostID)
	assert.Equal(t, "https://www.instagram.com/reel/abc/", res.URL)

	c, _ := g.find(http.MethodPost, "/ig1/media")
	assert.Equal(t, "REELS", c.Form.Get("media_type"))
	assert.Equal(t, "https://cdn.test/v.mp4", c.Form.Get("video_url"))
	p, _ := g.find(http.MethodPost, "/ig1/media_publish")
	assert.Equal(t, "c1", p.Form.Get("creation_id"))
}

func TestInstagramContainerError(t *testing.T) {
	_, srv := newFakeGraph(t, map[string]func(int) (int, string){
		"POST /ig1/media": ok(`{"id":"c1"}`),
		"GET /c1":         ok(`{"status_code":"ERROR"}`),
	})
	ig := NewInstagram(fastOptions(srv.URL))
	cred := xpost.Credential{Token: "tok", Aux: map[string]string{ParamInstagramAccountID: "ig1"}}

	_, err := ig.Publish(context.Background(), xpost.NormalizedRequest{
		Media: []xpost.Media{{Kind: xpost.MediaVideo, URL: "https://cdn.test/v.mp4"}},
	}, cred)
	require.Error(t, err)
	assert.Equal(t, xpost.FailurePermanent, xpost.Classify(err))
	assert.ErrorContains(t, err, "ERROR")
}

func TestInstagramContainerNeverReady(t *testing.T) {
	_, srv := newFakeGraph(t, map[string]func(int) (int, string){
		"POST /ig1/media": ok(`{"id":"c1"}`),
		"GET /c1":         ok(`{"status_code":"IN_PROGRESS"}`),
	})
	ig := NewInstagram(fastOptions(srv.URL))
	cred := xpost.Credential{Token: "tok", Aux: map[string]string{ParamInstagramAccountID: "ig1"}}

	_, err := ig.Publish(context.Background(), xpost.NormalizedRequest{
		Media: []xpost.Media{{Kind: xpost.MediaVideo, URL: "https://cdn.test/v.mp4"}},
	}, cred)
	require.Error(t, err)
	assert.Equal(t, xpost.FailureTransient, xpost.Classify(err))
}

func TestThreadsTextAndImage(t *testing.T) {
	g, srv := newFakeGraph(t, map[string]func(int) (int, string){
		"POST /u1/threads":         ok(`{"id":"c9"}`),
		"POST /u1/threads_publish": ok(`{"id":"t9"}`),
		"GET /t9":                  ok(`{"permalink":"https://www.threads.net/@me/post/xyz"}`),
	})
	th := NewThreads(fastOptions(srv.URL))
	cred := xpost.Credential{Token: "tok", Aux: map[string]string{ParamThreadsUserID: "u1"}}

	res, err := th.Publish(context.Background(), xpost.NormalizedRequest{Text: "hi"}, cred)
	require.NoError(t, err)
	assert.Equal(t, "t9", res.PostID)
	assert.Equal(t, "https://www.threads.net/@me/post/xyz", res.URL)
	c, _ := g.find(http.MethodPost, "/u1/threads")
	assert.Equal(t, "TEXT", c.Form.Get("media_type"))

	g.calls = nil
	_, err = th.Publish(context.Background(), xpost.NormalizedRequest{
		Text:  "pic",
		Media: []xpost.Media{{Kind: xpost.MediaImage, URL: "https://cdn.test/a.jpg"}},
	}, cred)
	require.NoError(t, err)
	c, _ = g.find(http.MethodPost, "/u1/threads")
	assert.Equal(t, "IMAGE", c.Form.Get("media_type"))
	assert.Equal(t, "https://cdn.test/a.jpg", c.Form.Get("image_url"))
	_, polled := g.find(http.MethodGet, "/c9")
	assert.False(t, polled)
}

func TestThreadsRateLimited(t *testing.T) {
	_, srv := newFakeGraph(t, map[string]func(int) (int, string){
		"POST /u1/threads": func(int) (int, string) {
			return http.StatusTooManyRequests, `{"error":{"message":"Application request limit reached"}}`
		},
	})
	th := NewThreads(fastOptions(srv.URL))
	cred := xpost.Credential{Token: "tok", Aux: map[string]string{ParamThreadsUserID: "u1"}}

	_, err := th.Publish(context.Background(), xpost.NormalizedRequest{Text: "hi"}, cred)
	require.Error(t, err)
	assert.Equal(t, xpost.FailureTransient, xpost.Classify(err))
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv(envFacebookToken, "")
	t.Setenv(envFacebookPageID, "42")
	_, err := FacebookCredentialFromEnv()
	var missing xpost.MissingEnvError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{envFacebookToken}, missing.Variables)

	t.Setenv(envInstagramToken, "ig-token")
	t.Setenv(envInstagramAccountID, " 17841 ")
	cred, err := InstagramCredentialFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "ig-token", cred.Token)
	assert.Equal(t, "17841", cred.Param(ParamInstagramAccountID))

	t.Setenv(envThreadsToken, "th")
	t.Setenv(envThreadsUserID, "u1")
	cred, err = ThreadsCredentialFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "u1", cred.Param(ParamThreadsUserID))
}
