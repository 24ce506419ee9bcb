// Package meta implements the Facebook Page, Instagram and Threads adapters on
// top of Meta's Graph APIs.
package meta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/blacktop/xpostd/internal/xpost/httpapi"
)

const (
	DefaultGraphURL   = "https://graph.facebook.com/v21.0"
	DefaultThreadsURL = "https://graph.threads.net/v1.0"
)

// Options configures the Graph adapters.
type Options struct {
	GraphURL   string
	ThreadsURL string
	// PollInterval and PollAttempts bound the wait for asynchronously
	// processed media containers.
	PollInterval time.Duration
	PollAttempts int
}

func (o Options) withDefaults() Options {
	if o.GraphURL == "" {
		o.GraphURL = DefaultGraphURL
	}
	if o.ThreadsURL == "" {
		o.ThreadsURL = DefaultThreadsURL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.PollAttempts <= 0 {
		o.PollAttempts = 40
	}
	return o
}

type graph struct {
	api  *httpapi.Client
	opts Options
}

type idResponse struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
}

func (g *graph) post(ctx context.Context, path, token string, form url.Values, out any) error {
	form.Set("access_token", token)
	req := httpapi.Request{Method: http.MethodPost, Path: path}
	req.Form(form)
	_, err := g.api.Do(ctx, req, out)
	return err
}

func (g *graph) get(ctx context.Context, path, token string, query url.Values, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("access_token", token)
	_, err := g.api.Do(ctx, httpapi.Request{Method: http.MethodGet, Path: path, Query: query}, out)
	return err
}

// waitContainer polls a media container until field reports FINISHED.
func (g *graph) waitContainer(ctx context.Context, id, token, field string) error {
	for i := 0; i < g.opts.PollAttempts; i++ {
		var st map[string]any
		if err := g.get(ctx, id, token, url.Values{"fields": {field}}, &st); err != nil {
			return err
		}
		switch status, _ := st[field].(string); strings.ToUpper(status) {
		case "FINISHED", "PUBLISHED":
			return nil
		case "ERROR", "EXPIRED":
			return xpost.Permanent(fmt.Errorf("media container %s: %s", id, status))
		}
		timer := time.NewTimer(g.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return xpost.Transient(fmt.Errorf("media container %s not ready after %d polls", id, g.opts.PollAttempts))
}

// publicURL returns the URL Graph will fetch the media from.
func publicURL(dest xpost.Destination, m xpost.Media) (string, error) {
	if m.URL == "" {
		return "", xpost.Permanent(xpost.ValidationError{
			Provider: string(dest),
			Reason:   "media must be reachable by url (configure media.public_base_url for uploads)",
		})
	}
	return m.URL, nil
}

func requireParam(dest xpost.Destination, cred xpost.Credential, name string) (string, error) {
	v := cred.Param(name)
	if v == "" {
		return "", xpost.Auth(fmt.Errorf("%s credential missing %s", dest, name))
	}
	return v, nil
}

func credentialFromEnv(dest xpost.Destination, tokenEnv, idEnv, idParam string) (xpost.Credential, error) {
	token := strings.TrimSpace(os.Getenv(tokenEnv))
	id := strings.TrimSpace(os.Getenv(idEnv))

	var missing []string
	if token == "" {
		missing = append(missing, tokenEnv)
	}
	if id == "" {
		missing = append(missing, idEnv)
	}
	if len(missing) > 0 {
		return xpost.Credential{}, xpost.MissingEnvError{Provider: string(dest), Variables: missing}
	}
	return xpost.Credential{Token: token, Aux: map[string]string{idParam: id}}, nil
}

func errNoID(op string) error {
	return xpost.Permanent(errors.New(op + ": response carried no id"))
}
