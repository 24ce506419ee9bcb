// Package httpapi is the small JSON-over-HTTP client shared by the adapters
// that talk to REST publishing APIs directly.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/hashicorp/go-cleanhttp"
)

const maxErrorBody = 64 << 10

// Client issues requests against one API base URL.
type Client struct {
	HTTP      *http.Client
	BaseURL   string
	UserAgent string
}

// New returns a client backed by a pooled transport.
func New(baseURL string) *Client {
	return &Client{
		HTTP:      cleanhttp.DefaultPooledClient(),
		BaseURL:   strings.TrimRight(baseURL, "/"),
		UserAgent: "xpostd/1",
	}
}

// Request describes one call. Path may be absolute, in which case BaseURL is
// ignored.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Header      http.Header
	Bearer      string
	Body        io.Reader
	ContentType string
	// ContentLength is set on the request when positive.
	ContentLength int64
}

// JSON encodes v as the request body.
func (r *Request) JSON(v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return xpost.Permanent(fmt.Errorf("encode request: %w", err))
	}
	r.Body = bytes.NewReader(buf)
	r.ContentType = "application/json; charset=UTF-8"
	r.ContentLength = int64(len(buf))
	return nil
}

// Form encodes values as the request body.
func (r *Request) Form(values url.Values) {
	enc := values.Encode()
	r.Body = strings.NewReader(enc)
	r.ContentType = "application/x-www-form-urlencoded"
	r.ContentLength = int64(len(enc))
}

// Do sends req and decodes a 2xx JSON body into out (when non-nil). Errors are
// classified: transport failures are transient, HTTP failures follow
// xpost.FromStatus and 429s carry their Retry-After.
func (c *Client) Do(ctx context.Context, req Request, out any) (*http.Response, error) {
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.BaseURL + "/" + strings.TrimLeft(target, "/")
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, target, req.Body)
	if err != nil {
		return nil, xpost.Permanent(fmt.Errorf("build request: %w", err))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		hreq.Header.Set("Content-Type", req.ContentType)
	}
	if req.ContentLength > 0 {
		hreq.ContentLength = req.ContentLength
	}
	if req.Bearer != "" {
		hreq.Header.Set("Authorization", "Bearer "+req.Bearer)
	}
	if c.UserAgent != "" {
		hreq.Header.Set("User-Agent", c.UserAgent)
	}
	hreq.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, xpost.Transient(fmt.Errorf("%s %s: %w", req.Method, redact(hreq.URL), err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, StatusError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp, xpost.Permanent(fmt.Errorf("decode response: %w", err))
		}
	}
	return resp, nil
}

// StatusError classifies a non-2xx response, pulling the most specific message
// it can find out of the body.
func StatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err := fmt.Errorf("%s: %s", resp.Status, errorMessage(body))
	if resp.StatusCode == http.StatusTooManyRequests {
		return xpost.RateLimited(err, RetryAfter(resp.Header, time.Now()))
	}
	return xpost.FromStatus(resp.StatusCode, err)
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// errorMessage understands the error envelopes used by the Graph, TikTok and
// Google APIs, falling back to the raw body.
func errorMessage(body []byte) string {
	var env struct {
		Error            json.RawMessage `json:"error"`
		ErrorDescription string          `json:"error_description"`
		Message          string          `json:"message"`
	}
	if json.Unmarshal(body, &env) == nil {
		var nested struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
		}
		if len(env.Error) > 0 && json.Unmarshal(env.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		var flat string
		if len(env.Error) > 0 && json.Unmarshal(env.Error, &flat) == nil && flat != "" {
			if env.ErrorDescription != "" {
				return flat + ": " + env.ErrorDescription
			}
			return flat
		}
		if env.Message != "" {
			return env.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response body"
	}
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}

// redact drops the query string, which often carries access tokens.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	return c.String()
}
