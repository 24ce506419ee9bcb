package registry

import (
	"fmt"

	"github.com/blacktop/xpostd/internal/xpost"
)

type entry struct {
	profile Profile
	adapter xpost.Adapter
}

// Registry maps destination ids to their profile and adapter. It is built once
// at startup and only read afterwards, so lookups take no lock.
type Registry struct {
	entries map[xpost.Destination]entry
	order   []xpost.Destination
}

// New binds each adapter to the profile with the same destination id.
func New(profiles []Profile, adapters ...xpost.Adapter) (*Registry, error) {
	byID := make(map[xpost.Destination]Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	r := &Registry{entries: make(map[xpost.Destination]entry, len(adapters))}
	for _, a := range adapters {
		id := a.Destination()
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("no capability profile for %q", id)
		}
		if _, dup := r.entries[id]; dup {
			return nil, fmt.Errorf("destination %q registered twice", id)
		}
		r.entries[id] = entry{profile: p, adapter: a}
		r.order = append(r.order, id)
	}
	return r, nil
}

// ProfileFor returns the capability profile for id.
func (r *Registry) ProfileFor(id xpost.Destination) (Profile, error) {
	e, ok := r.entries[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", xpost.ErrUnknownDestination, id)
	}
	return e.profile, nil
}

// AdapterFor returns the adapter registered for id.
func (r *Registry) AdapterFor(id xpost.Destination) (xpost.Adapter, error) {
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", xpost.ErrUnknownDestination, id)
	}
	return e.adapter, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id xpost.Destination) bool {
	_, ok := r.entries[id]
	return ok
}

// Destinations lists registered ids in registration order.
func (r *Registry) Destinations() []xpost.Destination {
	return append([]xpost.Destination(nil), r.order...)
}

// Profiles lists registered profiles in registration order.
func (r *Registry) Profiles() []Profile {
	out := make([]Profile, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].profile)
	}
	return out
}
