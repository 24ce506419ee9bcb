// Package xposttest provides a scriptable adapter for tests.
package xposttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blacktop/xpostd/internal/xpost"
)

// Step is one scripted publish response.
type Step struct {
	Err   error
	Panic any
}

// Adapter replays Steps in order; once exhausted every call succeeds.
type Adapter struct {
	ID      xpost.Destination
	Latency time.Duration
	// IgnoreContext makes the adapter sleep through cancellation.
	IgnoreContext bool
	AuthErr       error

	mu    sync.Mutex
	steps []Step
	calls []xpost.NormalizedRequest
	creds []xpost.Credential
}

// New returns an adapter for id that replays steps.
func New(id xpost.Destination, steps ...Step) *Adapter {
	return &Adapter{ID: id, steps: steps}
}

// Fail is shorthand for a step returning err.
func Fail(err error) Step { return Step{Err: err} }

func (a *Adapter) Destination() xpost.Destination { return a.ID }

func (a *Adapter) Publish(ctx context.Context, req xpost.NormalizedRequest, cred xpost.Credential) (xpost.PostResult, error) {
	a.mu.Lock()
	n := len(a.calls)
	a.calls = append(a.calls, req)
	a.creds = append(a.creds, cred)
	var step Step
	if n < len(a.steps) {
		step = a.steps[n]
	}
	a.mu.Unlock()

	if a.Latency > 0 {
		if a.IgnoreContext {
			time.Sleep(a.Latency)
		} else {
			timer := time.NewTimer(a.Latency)
			select {
			case <-ctx.Done():
				timer.Stop()
				return xpost.PostResult{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	if step.Panic != nil {
		panic(step.Panic)
	}
	if step.Err != nil {
		return xpost.PostResult{}, step.Err
	}
	id := fmt.Sprintf("%s-%d", a.ID, n+1)
	return xpost.PostResult{PostID: id, URL: "https://example.test/" + id}, nil
}

func (a *Adapter) Authenticate(ctx context.Context, cred xpost.Credential) (xpost.AuthResult, error) {
	if a.AuthErr != nil {
		return xpost.AuthResult{}, a.AuthErr
	}
	return xpost.AuthResult{AccountID: "acct-" + string(a.ID), Username: string(a.ID) + "-user"}, nil
}

// Calls returns the number of publish calls made.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// Requests returns a copy of the requests received.
func (a *Adapter) Requests() []xpost.NormalizedRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]xpost.NormalizedRequest(nil), a.calls...)
}

// Credentials returns a copy of the credentials received.
func (a *Adapter) Credentials() []xpost.Credential {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]xpost.Credential(nil), a.creds...)
}
