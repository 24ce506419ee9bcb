// Package validate checks a request against each destination's capability
// profile before any network call is made.
package validate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/blacktop/xpostd/internal/xpost/registry"
)

// MediaResolver resolves the request's media references.
type MediaResolver interface {
	ResolveAll(ctx context.Context, refs []xpost.MediaRef) ([]xpost.Media, error)
}

// Credentials is the read side of the credential store.
type Credentials interface {
	Get(dest xpost.Destination) (xpost.Credential, bool)
}

// Unit is a destination that passed validation and is ready to dispatch.
type Unit struct {
	// Index is the destination's position in Plan.Destinations.
	Index       int
	Destination xpost.Destination
	Profile     registry.Profile
	Adapter     xpost.Adapter
	Credential  xpost.Credential
	Request     xpost.NormalizedRequest
}

// Plan is the validation verdict for every distinct requested destination.
type Plan struct {
	Destinations []xpost.Destination
	// Rejected holds terminal outcomes keyed by index into Destinations.
	Rejected map[int]xpost.Outcome
	Units    []Unit
}

// Engine runs the per-destination checks.
type Engine struct {
	reg   *registry.Registry
	creds Credentials
	media MediaResolver
	now   func() time.Time
}

// New returns an engine. media may be nil when no resolver is configured, in
// which case requests with media are rejected.
func New(reg *registry.Registry, creds Credentials, media MediaResolver) *Engine {
	return &Engine{reg: reg, creds: creds, media: media, now: time.Now}
}

// Dedupe normalizes ids and drops repeats, keeping first occurrence order.
func Dedupe(dests []xpost.Destination) []xpost.Destination {
	seen := make(map[xpost.Destination]struct{}, len(dests))
	out := make([]xpost.Destination, 0, len(dests))
	for _, d := range dests {
		id := xpost.ParseDestination(string(d))
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Validate builds a plan for req. It fails only when req names no destination.
func (e *Engine) Validate(ctx context.Context, req xpost.Request) (*Plan, error) {
	dests := Dedupe(req.Destinations)
	if len(dests) == 0 {
		return nil, xpost.ErrNoDestinations
	}

	plan := &Plan{Destinations: dests, Rejected: make(map[int]xpost.Outcome)}
	requestErr := e.checkRequest(req)

	type candidate struct {
		index   int
		dest    xpost.Destination
		profile registry.Profile
	}
	var candidates []candidate

	for i, dest := range dests {
		profile, err := e.reg.ProfileFor(dest)
		if err != nil {
			plan.Rejected[i] = reject(dest, xpost.StatusUnknownDestination, "Platform not supported", "destination not supported")
			continue
		}
		if requestErr != "" {
			plan.Rejected[i] = failed(dest, xpost.StatusValidationRejected, requestErr)
			continue
		}
		if reason := checkProfile(profile, req); reason != "" {
			plan.Rejected[i] = failed(dest, xpost.StatusValidationRejected, reason)
			continue
		}
		candidates = append(candidates, candidate{index: i, dest: dest, profile: profile})
	}
	if len(candidates) == 0 {
		return plan, nil
	}

	var resolved []xpost.Media
	if len(req.Media) > 0 {
		var err error
		if e.media == nil {
			err = errors.New("media attachments are not enabled")
		} else {
			resolved, err = e.media.ResolveAll(ctx, req.Media)
		}
		if err != nil {
			reason := mediaReason(err)
			for _, c := range candidates {
				plan.Rejected[c.index] = failed(c.dest, xpost.StatusValidationRejected, reason)
			}
			return plan, nil
		}
	}

	now := e.now()
	for _, c := range candidates {
		if reason := checkKinds(c.profile, resolved); reason != "" {
			plan.Rejected[c.index] = failed(c.dest, xpost.StatusValidationRejected, reason)
			continue
		}
		cred, reason := e.checkCredential(c.dest, c.profile, now)
		if reason != "" {
			plan.Rejected[c.index] = failed(c.dest, xpost.StatusAuthFailed, reason)
			continue
		}
		adapter, err := e.reg.AdapterFor(c.dest)
		if err != nil {
			plan.Rejected[c.index] = reject(c.dest, xpost.StatusUnknownDestination, "Platform not supported", err.Error())
			continue
		}
		plan.Units = append(plan.Units, Unit{
			Index:       c.index,
			Destination: c.dest,
			Profile:     c.profile,
			Adapter:     adapter,
			Credential:  cred,
			Request:     normalize(req, resolved),
		})
	}
	return plan, nil
}

func (e *Engine) checkRequest(req xpost.Request) string {
	if strings.TrimSpace(req.Text) == "" && len(req.Media) == 0 {
		return "text or media is required"
	}
	if req.ScheduleAt != nil && !req.ScheduleAt.After(e.now()) {
		return "schedule time must be in the future"
	}
	return ""
}

func checkProfile(p registry.Profile, req xpost.Request) string {
	if n := registry.TextLength(req.Text); p.MaxTextLength > 0 && n > p.MaxTextLength {
		return fmt.Sprintf("exceeds %d character limit", p.MaxTextLength)
	}
	if len(req.Media) > p.MaxMedia {
		if p.MaxMedia == 0 {
			return "media attachments are not supported"
		}
		return fmt.Sprintf("at most %d media attachments allowed", p.MaxMedia)
	}
	if len(req.Media) < p.MinMedia {
		return fmt.Sprintf("requires at least %d media attachment(s)", p.MinMedia)
	}
	for _, m := range req.Media {
		if m.Kind != "" && !p.Supports(m.Kind) {
			return fmt.Sprintf("%s media is not supported", m.Kind)
		}
	}
	if req.ScheduleAt != nil && !p.Scheduling {
		return "scheduling is not supported"
	}
	return ""
}

// checkKinds re-checks media kinds once the resolver has inferred them.
func checkKinds(p registry.Profile, media []xpost.Media) string {
	for _, m := range media {
		if !p.Supports(m.Kind) {
			return fmt.Sprintf("%s media is not supported", m.Kind)
		}
	}
	return ""
}

func (e *Engine) checkCredential(dest xpost.Destination, p registry.Profile, now time.Time) (xpost.Credential, string) {
	cred, ok := e.creds.Get(dest)
	if !ok || strings.TrimSpace(cred.Token) == "" {
		return xpost.Credential{}, "no credential configured"
	}
	if cred.Expired(now) {
		return xpost.Credential{}, "credential expired"
	}
	var missing []string
	for _, name := range p.RequiredAux {
		if cred.Param(name) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return xpost.Credential{}, "credential missing " + strings.Join(missing, ", ")
	}
	return cred, ""
}

func normalize(req xpost.Request, media []xpost.Media) xpost.NormalizedRequest {
	out := xpost.NormalizedRequest{Text: req.Text}
	if len(media) > 0 {
		out.Media = append([]xpost.Media(nil), media...)
	}
	if req.ScheduleAt != nil {
		at := req.ScheduleAt.UTC()
		out.ScheduleAt = &at
	}
	return out
}

func mediaReason(err error) string {
	var ve xpost.ValidationError
	if errors.As(err, &ve) {
		// keep the "media N:" prefix added by ResolveAll
		return strings.Replace(err.Error(), ve.Error(), ve.Reason, 1)
	}
	return err.Error()
}

func failed(dest xpost.Destination, status xpost.Status, reason string) xpost.Outcome {
	return reject(dest, status, fmt.Sprintf("Failed to post to %s", dest), reason)
}

func reject(dest xpost.Destination, status xpost.Status, msg, reason string) xpost.Outcome {
	return xpost.Outcome{Destination: dest, Status: status, Message: msg, Reason: reason}
}
