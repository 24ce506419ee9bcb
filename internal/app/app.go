// Package app wires the registry, credential store, media resolver,
// validation engine and dispatch orchestrator into one service shared by the
// CLI and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/blacktop/xpostd/internal/config"
	"github.com/blacktop/xpostd/internal/logutil"
	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/blacktop/xpostd/internal/xpost/bluesky"
	"github.com/blacktop/xpostd/internal/xpost/credential"
	"github.com/blacktop/xpostd/internal/xpost/dispatch"
	"github.com/blacktop/xpostd/internal/xpost/mastodon"
	"github.com/blacktop/xpostd/internal/xpost/media"
	"github.com/blacktop/xpostd/internal/xpost/meta"
	"github.com/blacktop/xpostd/internal/xpost/registry"
	"github.com/blacktop/xpostd/internal/xpost/tiktok"
	"github.com/blacktop/xpostd/internal/xpost/twitter"
	"github.com/blacktop/xpostd/internal/xpost/validate"
	"github.com/blacktop/xpostd/internal/xpost/youtube"
)

// envLoaders read a destination's credential from XPOSTD_* variables.
var envLoaders = map[xpost.Destination]func() (xpost.Credential, error){
	xpost.X:         twitter.CredentialFromEnv,
	xpost.Threads:   meta.ThreadsCredentialFromEnv,
	xpost.Facebook:  meta.FacebookCredentialFromEnv,
	xpost.Instagram: meta.InstagramCredentialFromEnv,
	xpost.TikTok:    tiktok.CredentialFromEnv,
	xpost.YouTube:   youtube.CredentialFromEnv,
	xpost.Mastodon:  mastodon.CredentialFromEnv,
	xpost.Bluesky:   bluesky.CredentialFromEnv,
}

// Service is the publishing core plus its collaborators.
type Service struct {
	cfg     *config.Config
	reg     *registry.Registry
	store   *credential.Store
	uploads *media.Uploads
	engine  *validate.Engine
	orch    *dispatch.Orchestrator
}

// Verdict is the dry-run result for one destination.
type Verdict struct {
	Destination xpost.Destination `json:"destination"`
	Ready       bool              `json:"ready"`
	Status      xpost.Status      `json:"status,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// New builds the service with every enabled adapter and the configured
// credential backend.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	persister, err := openPersister(ctx, cfg.Credentials)
	if err != nil {
		return nil, err
	}
	store, err := credential.Open(ctx, persister)
	if err != nil {
		if persister != nil {
			_ = persister.Close()
		}
		return nil, err
	}

	resolver := newResolver(cfg)
	var adapters []xpost.Adapter
	for _, a := range Adapters(cfg, resolver) {
		if cfg.DestinationEnabled(a.Destination()) {
			adapters = append(adapters, a)
		}
	}

	svc, err := assemble(cfg, store, resolver, adapters)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if cfg.Credentials.SeedFromEnv {
		svc.SeedFromEnv(ctx)
	}
	return svc, nil
}

// Assemble builds a service around the given adapters and store. It is the
// seam used by tests and by callers that bring their own adapters.
func Assemble(cfg *config.Config, store *credential.Store, adapters ...xpost.Adapter) (*Service, error) {
	return assemble(cfg, store, newResolver(cfg), adapters)
}

func assemble(cfg *config.Config, store *credential.Store, resolver *media.Resolver, adapters []xpost.Adapter) (*Service, error) {
	reg, err := registry.New(registry.DefaultProfiles(), adapters...)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	uploads, err := media.NewUploads(cfg.Media.UploadDir, cfg.Media.MaxUploadBytes)
	if err != nil {
		return nil, err
	}

	dcfg := dispatch.DefaultConfig()
	dcfg.MaxRetries = cfg.Dispatch.MaxRetries
	dcfg.CallTimeout = cfg.Dispatch.CallTimeout
	dcfg.BatchTimeout = cfg.Dispatch.BatchTimeout
	dcfg.CancelGrace = cfg.Dispatch.CancelGrace
	dcfg.InitialBackoff = cfg.Dispatch.InitialBackoff
	dcfg.MaxBackoff = cfg.Dispatch.MaxBackoff

	return &Service{
		cfg:     cfg,
		reg:     reg,
		store:   store,
		uploads: uploads,
		engine:  validate.New(reg, store, resolver),
		orch:    dispatch.New(dcfg, reg.Profiles()),
	}, nil
}

// Adapters returns one adapter per supported destination.
func Adapters(cfg *config.Config, opener xpost.MediaOpener) []xpost.Adapter {
	d := cfg.Destinations
	metaOpts := meta.Options{
		GraphURL:     d.GraphURL,
		ThreadsURL:   d.ThreadsURL,
		PollInterval: d.PollInterval,
		PollAttempts: d.PollAttempts,
	}
	return []xpost.Adapter{
		twitter.New(opener),
		meta.NewThreads(metaOpts),
		meta.NewFacebook(metaOpts),
		meta.NewInstagram(metaOpts),
		tiktok.New(d.TikTokURL, opener),
		youtube.New(d.YouTubeAPIURL, d.YouTubeUploadURL, opener),
		mastodon.New(opener),
		bluesky.New(opener),
	}
}

func newResolver(cfg *config.Config) *media.Resolver {
	return media.NewResolver(media.Config{
		Root:          cfg.Media.UploadDir,
		PublicBaseURL: cfg.Media.PublicBaseURL,
		CheckTimeout:  cfg.Media.CheckTimeout,
		CheckRetries:  cfg.Media.CheckRetries,
		AllowOutside:  cfg.Media.AllowOutsideUploads,
	})
}

func openPersister(ctx context.Context, c config.CredentialsConfig) (credential.Persister, error) {
	switch c.Backend {
	case config.BackendSQLite:
		db, err := credential.OpenSQLite(ctx, c.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite credential store: %w", err)
		}
		return db, nil
	case config.BackendRedis:
		rdb, err := credential.OpenRedis(ctx, credential.RedisOptions{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Key:      c.Redis.Key,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis credential store: %w", err)
		}
		return rdb, nil
	default:
		return nil, nil
	}
}

// SeedFromEnv stores environment credentials for registered destinations that
// have none yet. Destinations without variables are skipped.
func (s *Service) SeedFromEnv(ctx context.Context) int {
	seeded := 0
	for _, dest := range s.reg.Destinations() {
		load, ok := envLoaders[dest]
		if !ok {
			continue
		}
		cred, err := load()
		if err != nil {
			var missing xpost.MissingEnvError
			if errors.As(err, &missing) && len(missing.Variables) > 0 {
				logutil.Debugf("%s: no environment credential (%v)", dest, err)
			} else {
				logutil.Warnf("%s: %v", dest, err)
			}
			continue
		}
		added, err := s.store.SetIfAbsent(ctx, dest, cred)
		if err != nil {
			logutil.Warnf("%s: store environment credential: %v", dest, err)
			continue
		}
		if added {
			seeded++
			logutil.Debugf("%s: credential loaded from environment", dest)
		}
	}
	return seeded
}

// Publish validates req and dispatches it. The only error is
// xpost.ErrNoDestinations; every per-destination failure is an outcome.
func (s *Service) Publish(ctx context.Context, req xpost.Request) (xpost.BatchResult, error) {
	plan, err := s.engine.Validate(ctx, req)
	if err != nil {
		return xpost.BatchResult{}, err
	}
	return s.orch.Run(ctx, plan), nil
}

// Validate runs validation only and reports which destinations would be
// dispatched.
func (s *Service) Validate(ctx context.Context, req xpost.Request) ([]Verdict, error) {
	plan, err := s.engine.Validate(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]Verdict, len(plan.Destinations))
	for i, dest := range plan.Destinations {
		out[i] = Verdict{Destination: dest, Ready: true}
		if rej, ok := plan.Rejected[i]; ok {
			out[i] = Verdict{Destination: dest, Status: rej.Status, Reason: rej.Reason}
		}
	}
	return out, nil
}

// SetCredential stores cred for dest without contacting the destination.
func (s *Service) SetCredential(ctx context.Context, dest xpost.Destination, cred xpost.Credential) error {
	dest = xpost.ParseDestination(string(dest))
	if !s.reg.Has(dest) {
		return fmt.Errorf("%w: %q", xpost.ErrUnknownDestination, dest)
	}
	if cred.Token == "" {
		return xpost.ValidationError{Provider: string(dest), Reason: "access token is required"}
	}
	return s.store.Set(ctx, dest, cred)
}

// Authenticate verifies cred with the destination and stores it on success.
func (s *Service) Authenticate(ctx context.Context, dest xpost.Destination, cred xpost.Credential) (xpost.AuthResult, error) {
	dest = xpost.ParseDestination(string(dest))
	adapter, err := s.reg.AdapterFor(dest)
	if err != nil {
		return xpost.AuthResult{}, err
	}
	if cred.Token == "" {
		return xpost.AuthResult{}, xpost.ValidationError{Provider: string(dest), Reason: "access token is required"}
	}

	ctx, cancel := context.WithTimeout(ctx, s.orch.Config().CallTimeout)
	defer cancel()
	acct, err := adapter.Authenticate(ctx, cred)
	if err != nil {
		return xpost.AuthResult{}, fmt.Errorf("%s authentication failed: %w", dest, err)
	}
	if err := s.store.Set(ctx, dest, cred); err != nil {
		return xpost.AuthResult{}, err
	}
	logutil.Infof("%s: authenticated as %s", dest, firstNonEmpty(acct.Username, acct.Name, acct.AccountID))
	return acct, nil
}

// DeleteCredential drops the stored credential for dest.
func (s *Service) DeleteCredential(ctx context.Context, dest xpost.Destination) error {
	return s.store.Delete(ctx, xpost.ParseDestination(string(dest)))
}

// Platforms lists the registered capability profiles.
func (s *Service) Platforms() []registry.Profile { return s.reg.Profiles() }

// Configured lists destinations that have a stored credential.
func (s *Service) Configured() []xpost.Destination { return s.store.Destinations() }

// Uploads is the upload storage backing POST /api/upload.
func (s *Service) Uploads() *media.Uploads { return s.uploads }

// Config returns the configuration the service was built with.
func (s *Service) Config() *config.Config { return s.cfg }

// Close releases the credential backend.
func (s *Service) Close() error { return s.store.Close() }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return "unknown account"
}

// ParseSchedule accepts RFC 3339 timestamps or Unix seconds.
func ParseSchedule(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.Unix(secs, 0).UTC()
		return &t, nil
	}
	return nil, fmt.Errorf("invalid schedule time %q: want RFC 3339 or unix seconds", raw)
}
