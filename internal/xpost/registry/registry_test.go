package registry

import (
	"errors"
	"strings"
	"testing"

	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/blacktop/xpostd/internal/xpost/xposttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookup(t *testing.T) {
	reg, err := New(DefaultProfiles(), xposttest.New(xpost.X), xposttest.New(xpost.Threads))
	require.NoError(t, err)

	p, err := reg.ProfileFor(xpost.Threads)
	require.NoError(t, err)
	assert.Equal(t, 500, p.MaxTextLength)
	assert.False(t, p.Scheduling)

	a, err := reg.AdapterFor(xpost.X)
	require.NoError(t, err)
	assert.Equal(t, xpost.X, a.Destination())

	assert.Equal(t, []xpost.Destination{xpost.X, xpost.Threads}, reg.Destinations())
	assert.Len(t, reg.Profiles(), 2)
}

func TestRegistryUnknownDestination(t *testing.T) {
	reg, err := New(DefaultProfiles(), xposttest.New(xpost.X))
	require.NoError(t, err)

	_, err = reg.ProfileFor("myspace")
	assert.True(t, errors.Is(err, xpost.ErrUnknownDestination))

	// Profiles exist for youtube, but no adapter was registered.
	_, err = reg.AdapterFor(xpost.YouTube)
	assert.True(t, errors.Is(err, xpost.ErrUnknownDestination))
	assert.False(t, reg.Has(xpost.YouTube))
}

func TestRegistryRejectsBadWiring(t *testing.T) {
	_, err := New(DefaultProfiles(), xposttest.New("myspace"))
	assert.Error(t, err)

	_, err = New(DefaultProfiles(), xposttest.New(xpost.X), xposttest.New(xpost.X))
	assert.Error(t, err)
}

func TestDefaultProfiles(t *testing.T) {
	seen := map[xpost.Destination]bool{}
	for _, p := range DefaultProfiles() {
		assert.False(t, seen[p.ID], "duplicate profile %s", p.ID)
		seen[p.ID] = true
		assert.Positive(t, p.MaxTextLength, p.ID)
		assert.GreaterOrEqual(t, p.MaxMedia, p.MinMedia, p.ID)
		assert.NotEmpty(t, p.MediaKinds, p.ID)
	}
	assert.Len(t, seen, 8)
}

func TestTextLengthCountsGraphemes(t *testing.T) {
	assert.Equal(t, 5, TextLength("hello"))
	assert.Equal(t, 1, TextLength("👍🏽"))
	assert.Equal(t, 1, TextLength("é"))
	assert.Equal(t, 600, TextLength(strings.Repeat("a", 600)))
}

func TestProfileSupports(t *testing.T) {
	p, err := profileByID(xpost.TikTok)
	require.NoError(t, err)
	assert.True(t, p.Supports(xpost.MediaVideo))
	assert.False(t, p.Supports(xpost.MediaImage))
}

func profileByID(id xpost.Destination) (Profile, error) {
	reg, err := New(DefaultProfiles(), xposttest.New(id))
	if err != nil {
		return Profile{}, err
	}
	return reg.ProfileFor(id)
}
