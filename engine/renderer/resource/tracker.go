package resource

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Info describes one live handle.
type Info struct {
	ID       uuid.UUID
	Kind     Kind
	Label    string
	RefCount int32
}

type trackedHandle struct {
	kind  Kind
	label string
	refs  func() int32
	order uint64
}

// Tracker records every handle created by a device so leaks can be reported
// and caches can forget objects when they die.
type Tracker struct {
	mu      sync.Mutex
	live    map[uuid.UUID]trackedHandle
	created [kindCount]uint64
	counter uint64
	hooks   []func(id uuid.UUID)
}

func NewTracker() *Tracker {
	return &Tracker{
		live: make(map[uuid.UUID]trackedHandle),
	}
}

func (t *Tracker) track(id uuid.UUID, kind Kind, label string, refs func() int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter++
	t.created[kind]++
	t.live[id] = trackedHandle{kind: kind, label: label, refs: refs, order: t.counter}
}

func (t *Tracker) untrack(id uuid.UUID) {
	t.mu.Lock()
	delete(t.live, id)
	hooks := append([]func(uuid.UUID){}, t.hooks...)
	t.mu.Unlock()

	for _, hook := range hooks {
		hook(id)
	}
}

// OnRelease registers fn to be called with the id of every handle whose last
// owner released it. fn runs outside the tracker lock.
func (t *Tracker) OnRelease(fn func(id uuid.UUID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, fn)
}

// IsLive reports whether the handle with id still has owners.
func (t *Tracker) IsLive(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.live[id]
	return ok
}

// Live lists the handles that still have owners, oldest first.
func (t *Tracker) Live() []Info {
	t.mu.Lock()
	entries := make([]struct {
		id uuid.UUID
		th trackedHandle
	}, 0, len(t.live))
	for id, th := range t.live {
		entries = append(entries, struct {
			id uuid.UUID
			th trackedHandle
		}{id, th})
	}
	t.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].th.order < entries[j].th.order })
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, Info{ID: e.id, Kind: e.th.kind, Label: e.th.label, RefCount: e.th.refs()})
	}
	return out
}

// LiveCount returns the number of live handles of kind.
func (t *Tracker) LiveCount(kind Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, th := range t.live {
		if th.kind == kind {
			n++
		}
	}
	return n
}

// Created returns how many handles of kind were ever created.
func (t *Tracker) Created(kind Kind) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created[kind]
}

// LeakError returns an error listing every live handle, or nil.
func (t *Tracker) LeakError() error {
	live := t.Live()
	if len(live) == 0 {
		return nil
	}
	names := make([]string, 0, len(live))
	for _, info := range live {
		names = append(names, fmt.Sprintf("%s %q (refs=%d)", info.Kind, info.Label, info.RefCount))
	}
	return fmt.Errorf("%d resource handles leaked: %s", len(live), strings.Join(names, ", "))
}
