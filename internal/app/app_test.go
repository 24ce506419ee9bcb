package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/blacktop/xpostd/internal/config"
	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/blacktop/xpostd/internal/xpost/credential"
	"github.com/blacktop/xpostd/internal/xpost/xposttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Media.UploadDir = t.TempDir()
	cfg.Dispatch.InitialBackoff = time.Millisecond
	cfg.Dispatch.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func xCred() xpost.Credential {
	return xpost.Credential{Token: "t", Aux: map[string]string{"api_key": "k", "api_secret": "s", "access_token_secret": "as"}}
}

func threadsCred() xpost.Credential {
	return xpost.Credential{Token: "t", Aux: map[string]string{"threads_user_id": "u1"}}
}

func newService(t *testing.T, adapters ...xpost.Adapter) (*Service, *credential.Store) {
	t.Helper()
	store := credential.NewStore(nil)
	svc, err := Assemble(testConfig(t), store, adapters...)
	require.NoError(t, err)
	return svc, store
}

func TestPublishTextLimitPerDestination(t *testing.T) {
	x := xposttest.New(xpost.X)
	threads := xposttest.New(xpost.Threads)
	svc, store := newService(t, x, threads)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, xpost.X, xCred()))
	require.NoError(t, store.Set(ctx, xpost.Threads, threadsCred()))

	res, err := svc.Publish(ctx, xpost.Request{
		Text:         strings.Repeat("a", 600),
		Destinations: []xpost.Destination{"x", "threads"},
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)
	assert.NotEmpty(t, res.ID)

	assert.Equal(t, xpost.X, res.Outcomes[0].Destination)
	assert.True(t, res.Outcomes[0].Success())
	assert.Equal(t, "x-1", res.Outcomes[0].PostID)

	assert.Equal(t, xpost.Threads, res.Outcomes[1].Destination)
	assert.Equal(t, "ValidationRejected: exceeds 500 character limit", res.Outcomes[1].Error())
	assert.Zero(t, threads.Calls())
}

func TestPublishOrderAndUnknown(t *testing.T) {
	x := xposttest.New(xpost.X)
	x.Latency = 30 * time.Millisecond
	threads := xposttest.New(xpost.Threads)
	svc, store := newService(t, x, threads)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, xpost.X, xCred()))
	require.NoError(t, store.Set(ctx, xpost.Threads, threadsCred()))

	res, err := svc.Publish(ctx, xpost.Request{
		Text:         "hello",
		Destinations: []xpost.Destination{"twitter", "myspace", "threads", "x"},
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, []xpost.Destination{xpost.X, "myspace", xpost.Threads},
		[]xpost.Destination{res.Outcomes[0].Destination, res.Outcomes[1].Destination, res.Outcomes[2].Destination})
	assert.Equal(t, xpost.StatusUnknownDestination, res.Outcomes[1].Status)
	assert.Equal(t, "Platform not supported", res.Outcomes[1].Message)
	assert.Equal(t, 2, res.Succeeded())
	assert.Equal(t, 1, x.Calls())
}

func TestPublishNoDestinations(t *testing.T) {
	svc, _ := newService(t, xposttest.New(xpost.X))
	_, err := svc.Publish(context.Background(), xpost.Request{Text: "hi"})
	assert.ErrorIs(t, err, xpost.ErrNoDestinations)

	_, err = svc.Validate(context.Background(), xpost.Request{Text: "hi"})
	assert.ErrorIs(t, err, xpost.ErrNoDestinations)
}

func TestValidateDryRun(t *testing.T) {
	x := xposttest.New(xpost.X)
	threads := xposttest.New(xpost.Threads)
	svc, store := newService(t, x, threads)
	require.NoError(t, store.Set(context.Background(), xpost.X, xCred()))

	verdicts, err := svc.Validate(context.Background(), xpost.Request{
		Text:         "hello",
		Destinations: []xpost.Destination{"x", "threads"},
	})
	require.NoError(t, err)
	require.Len(t, verdicts, 2)
	assert.Equal(t, Verdict{Destination: xpost.X, Ready: true}, verdicts[0])
	assert.False(t, verdicts[1].Ready)
	assert.Equal(t, xpost.StatusAuthFailed, verdicts[1].Status)
	assert.Equal(t, "no credential configured", verdicts[1].Reason)
	assert.Zero(t, x.Calls())
}

func TestSetCredential(t *testing.T) {
	svc, store := newService(t, xposttest.New(xpost.Bluesky))
	ctx := context.Background()

	err := svc.SetCredential(ctx, "myspace", xpost.Credential{Token: "t"})
	assert.ErrorIs(t, err, xpost.ErrUnknownDestination)

	err = svc.SetCredential(ctx, xpost.Bluesky, xpost.Credential{})
	var verr xpost.ValidationError
	assert.ErrorAs(t, err, &verr)

	require.NoError(t, svc.SetCredential(ctx, "BlueSky", xpost.Credential{Token: "pw", Aux: map[string]string{"handle": "me"}}))
	cred, ok := store.Get(xpost.Bluesky)
	require.True(t, ok)
	assert.Equal(t, "pw", cred.Token)
	assert.Equal(t, []xpost.Destination{xpost.Bluesky}, svc.Configured())

	require.NoError(t, svc.DeleteCredential(ctx, xpost.Bluesky))
	assert.Empty(t, svc.Configured())
}

func TestAuthenticate(t *testing.T) {
	good := xposttest.New(xpost.Mastodon)
	bad := xposttest.New(xpost.Bluesky)
	bad.AuthErr = xpost.Auth(errors.New("invalid identifier or password"))
	svc, store := newService(t, good, bad)
	ctx := context.Background()

	acct, err := svc.Authenticate(ctx, xpost.Mastodon, xpost.Credential{Token: "tok", Aux: map[string]string{"server": "https://m.example"}})
	require.NoError(t, err)
	assert.Equal(t, "mastodon-user", acct.Username)
	_, ok := store.Get(xpost.Mastodon)
	assert.True(t, ok)

	_, err = svc.Authenticate(ctx, xpost.Bluesky, xpost.Credential{Token: "wrong"})
	require.Error(t, err)
	assert.Equal(t, xpost.FailureAuth, xpost.Classify(err))
	_, ok = store.Get(xpost.Bluesky)
	assert.False(t, ok, "failed verification must not store the credential")

	_, err = svc.Authenticate(ctx, xpost.YouTube, xpost.Credential{Token: "x"})
	assert.ErrorIs(t, err, xpost.ErrUnknownDestination)
}

func TestSeedFromEnv(t *testing.T) {
	t.Setenv("XPOSTD_MASTODON_SERVER", "https://m.example")
	t.Setenv("XPOSTD_MASTODON_ACCESS_TOKEN", "env-token")
	t.Setenv("XPOSTD_BLUESKY_HANDLE", "")
	t.Setenv("XPOSTD_BLUESKY_APP_PASSWORD", "")

	svc, store := newService(t, xposttest.New(xpost.Mastodon), xposttest.New(xpost.Bluesky))
	ctx := context.Background()

	assert.Equal(t, 1, svc.SeedFromEnv(ctx))
	cred, ok := store.Get(xpost.Mastodon)
	require.True(t, ok)
	assert.Equal(t, "env-token", cred.Token)

	require.NoError(t, store.Set(ctx, xpost.Mastodon, xpost.Credential{Token: "api-token", Aux: map[string]string{"server": "https://m.example"}}))
	assert.Zero(t, svc.SeedFromEnv(ctx), "stored credentials win over the environment")
	cred, _ = store.Get(xpost.Mastodon)
	assert.Equal(t, "api-token", cred.Token)
}

func TestPlatforms(t *testing.T) {
	svc, _ := newService(t, xposttest.New(xpost.X), xposttest.New(xpost.TikTok))
	profiles := svc.Platforms()
	require.Len(t, profiles, 2)
	assert.Equal(t, xpost.X, profiles[0].ID)
	assert.Equal(t, xpost.TikTok, profiles[1].ID)
	assert.True(t, profiles[1].Scheduling)
}

func TestAdaptersCoverEveryProfile(t *testing.T) {
	cfg := testConfig(t)
	adapters := Adapters(cfg, nil)
	require.Len(t, adapters, 8)
	for _, a := range adapters {
		_, ok := envLoaders[a.Destination()]
		assert.True(t, ok, "no env loader for %s", a.Destination())
	}
	_, err := Assemble(cfg, credential.NewStore(nil), adapters...)
	assert.NoError(t, err)
}

func TestParseSchedule(t *testing.T) {
	at, err := ParseSchedule("2030-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1893553445), at.Unix())

	at, err = ParseSchedule("1893553445")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, at.Location())

	at, err = ParseSchedule("")
	assert.NoError(t, err)
	assert.Nil(t, at)

	_, err = ParseSchedule("tomorrow")
	assert.ErrorContains(t, err, "invalid schedule time")
}
