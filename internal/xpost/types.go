package xpost

import (
	"context"
	"io"
	"maps"
	"strings"
	"time"
)

// Destination is the canonical id of a remote publishing target.
type Destination string

const (
	X         Destination = "x"
	Threads   Destination = "threads"
	Facebook  Destination = "facebook"
	Instagram Destination = "instagram"
	TikTok    Destination = "tiktok"
	YouTube   Destination = "youtube"
	Mastodon  Destination = "mastodon"
	Bluesky   Destination = "bluesky"
)

// ParseDestination normalizes a user supplied destination id. "twitter" is
// accepted as an alias of x.
func ParseDestination(raw string) Destination {
	id := strings.TrimSpace(strings.ToLower(raw))
	if id == "twitter" {
		return X
	}
	return Destination(id)
}

// MediaKind tags a media reference.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// MediaRef points at media the caller wants attached. Exactly one of URL and
// Path is set.
type MediaRef struct {
	Kind    MediaKind `json:"kind,omitempty"`
	URL     string    `json:"url,omitempty"`
	Path    string    `json:"path,omitempty"`
	AltText string    `json:"alt_text,omitempty"`
}

// Source returns the URL or path the reference points at.
func (r MediaRef) Source() string {
	if r.URL != "" {
		return r.URL
	}
	return r.Path
}

// Request defines the payload shared across all destinations.
type Request struct {
	Text         string
	Media        []MediaRef
	Destinations []Destination
	ScheduleAt   *time.Time
}

// Media is a resolved media reference that adapters can consume. URL is set
// when the media is reachable by remote services; Path is set for local files.
type Media struct {
	Kind        MediaKind
	URL         string
	Path        string
	ContentType string
	Size        int64
	AltText     string
}

// NormalizedRequest is what an adapter receives after validation.
type NormalizedRequest struct {
	Text       string
	Media      []Media
	ScheduleAt *time.Time
}

// Credential holds the token and auxiliary parameters for one destination.
type Credential struct {
	Token     string            `json:"token"`
	Aux       map[string]string `json:"aux,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// Clone returns a deep copy so callers never share the Aux map.
func (c Credential) Clone() Credential {
	out := Credential{Token: c.Token, Aux: maps.Clone(c.Aux)}
	if c.ExpiresAt != nil {
		exp := *c.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}

// Param returns a trimmed auxiliary parameter.
func (c Credential) Param(name string) string {
	return strings.TrimSpace(c.Aux[name])
}

// Expired reports whether the credential has an expiry at or before now.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// PostResult is returned by a successful publish.
type PostResult struct {
	PostID string
	URL    string
}

// AuthResult describes the account a credential resolved to.
type AuthResult struct {
	AccountID string `json:"account_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Name      string `json:"name,omitempty"`
}

// MediaOpener streams resolved media to adapters that upload bytes.
type MediaOpener interface {
	Open(ctx context.Context, m Media) (io.ReadCloser, error)
}

// Adapter publishes to a single destination.
type Adapter interface {
	Destination() Destination
	Publish(ctx context.Context, req NormalizedRequest, cred Credential) (PostResult, error)
	Authenticate(ctx context.Context, cred Credential) (AuthResult, error)
}
