package registry

import (
	"slices"

	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/rivo/uniseg"
)

// Profile declares what a destination accepts. Profiles are immutable after
// the registry is built.
type Profile struct {
	ID          xpost.Destination `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`

	MaxTextLength int               `json:"max_text_length"`
	MediaKinds    []xpost.MediaKind `json:"media_kinds"`
	MinMedia      int               `json:"min_media"`
	MaxMedia      int               `json:"max_media"`
	Scheduling    bool              `json:"supports_scheduling"`

	// RequiredAux lists credential parameters that must be present before
	// dispatch (e.g. a page or account id).
	RequiredAux []string `json:"required_credential_fields,omitempty"`

	// RatePerSecond and Burst bound publish calls to the destination. Zero
	// disables limiting.
	RatePerSecond float64 `json:"-"`
	Burst         int     `json:"-"`
}

// Supports reports whether kind is an allowed media kind.
func (p Profile) Supports(kind xpost.MediaKind) bool {
	return slices.Contains(p.MediaKinds, kind)
}

// TextLength counts user-perceived characters (grapheme clusters), which is
// how the strictest destinations count.
func TextLength(s string) int {
	return uniseg.GraphemeClusterCount(s)
}

// DefaultProfiles returns the built-in capability table.
func DefaultProfiles() []Profile {
	both := []xpost.MediaKind{xpost.MediaImage, xpost.MediaVideo}
	videoOnly := []xpost.MediaKind{xpost.MediaVideo}
	return []Profile{
		{
			ID: xpost.X, Name: "X (Twitter)", Description: "Post a tweet to X",
			MaxTextLength: 4000, MediaKinds: both, MaxMedia: 4,
			RequiredAux:   []string{"api_key", "api_secret", "access_token_secret"},
			RatePerSecond: 1, Burst: 5,
		},
		{
			ID: xpost.Threads, Name: "Threads", Description: "Post to Threads",
			MaxTextLength: 500, MediaKinds: both, MaxMedia: 1,
			RequiredAux:   []string{"threads_user_id"},
			RatePerSecond: 1, Burst: 5,
		},
		{
			ID: xpost.Facebook, Name: "Facebook", Description: "Post to a Facebook Page",
			MaxTextLength: 63206, MediaKinds: both, MaxMedia: 10, Scheduling: true,
			RequiredAux:   []string{"page_id"},
			RatePerSecond: 2, Burst: 10,
		},
		{
			ID: xpost.Instagram, Name: "Instagram", Description: "Post to the Instagram feed",
			MaxTextLength: 2200, MediaKinds: both, MinMedia: 1, MaxMedia: 1,
			RequiredAux:   []string{"instagram_account_id"},
			RatePerSecond: 1, Burst: 5,
		},
		{
			ID: xpost.TikTok, Name: "TikTok", Description: "Publish a video to TikTok",
			MaxTextLength: 2200, MediaKinds: videoOnly, MinMedia: 1, MaxMedia: 1, Scheduling: true,
			RatePerSecond: 0.5, Burst: 2,
		},
		{
			ID: xpost.YouTube, Name: "YouTube", Description: "Upload a video to YouTube",
			MaxTextLength: 5000, MediaKinds: videoOnly, MinMedia: 1, MaxMedia: 1, Scheduling: true,
			RatePerSecond: 0.5, Burst: 2,
		},
		{
			ID: xpost.Mastodon, Name: "Mastodon", Description: "Post a status to a Mastodon server",
			MaxTextLength: 500, MediaKinds: both, MaxMedia: 4, Scheduling: true,
			RequiredAux:   []string{"server"},
			RatePerSecond: 2, Burst: 10,
		},
		{
			ID: xpost.Bluesky, Name: "Bluesky", Description: "Post to Bluesky",
			MaxTextLength: 300, MediaKinds: []xpost.MediaKind{xpost.MediaImage}, MaxMedia: 4,
			RequiredAux:   []string{"handle"},
			RatePerSecond: 2, Burst: 10,
		},
	}
}
