// Package registry keeps the live view of extension registrations and trunk
// gateway states reported by the switch.
//
// The table is published as immutable snapshots: writers build a new
// snapshot and swap it in, readers load the current pointer and never block.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type State string

const (
	StateRegistered   State = "registered"
	StateUnregistered State = "unregistered"
	StateBusy         State = "busy"
)

type ExtensionStatus struct {
	Extension string    `json:"extension"`
	Domain    string    `json:"domain,omitempty"`
	State     State     `json:"state"`
	LastSeen  time.Time `json:"last_seen"`
	Contact   string    `json:"contact,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

type GatewayStatus struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Status   string    `json:"status,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Down reports whether the gateway is known to be unusable.
func (g GatewayStatus) Down() bool {
	switch g.State {
	case "FAILED", "FAIL_WAIT", "UNREGED", "NOAVAIL":
		return true
	}
	return g.Status == "DOWN"
}

// Snapshot is never modified once published.
type Snapshot struct {
	Version     uint64                     `json:"version"`
	RefreshedAt time.Time                  `json:"refreshed_at"`
	Extensions  map[string]ExtensionStatus `json:"extensions"`
	Gateways    map[string]GatewayStatus   `json:"gateways"`
}

// Key identifies an extension inside a tenant domain.
func Key(extension, domain string) string {
	if domain == "" {
		return extension
	}
	return extension + "@" + domain
}

type Table struct {
	cur atomic.Pointer[Snapshot]
	wmu sync.Mutex
}

func NewTable() *Table {
	t := &Table{}
	t.cur.Store(&Snapshot{
		Extensions: map[string]ExtensionStatus{},
		Gateways:   map[string]GatewayStatus{},
	})
	return t
}

func (t *Table) Snapshot() *Snapshot {
	return t.cur.Load()
}

// Get looks up an extension. With a domain it falls back to an entry
// registered without realm; without a domain it returns the first entry for
// that extension number in key order.
func (t *Table) Get(extension, domain string) (ExtensionStatus, bool) {
	snap := t.cur.Load()
	if st, ok := snap.Extensions[Key(extension, domain)]; ok {
		return st, true
	}
	if domain != "" {
		st, ok := snap.Extensions[extension]
		return st, ok
	}

	var (
		best  ExtensionStatus
		found bool
		key   string
	)
	for k, st := range snap.Extensions {
		if st.Extension != extension {
			continue
		}
		if !found || k < key {
			best, key, found = st, k, true
		}
	}
	return best, found
}

// All returns every known extension ordered by key.
func (t *Table) All() []ExtensionStatus {
	snap := t.cur.Load()
	keys := make([]string, 0, len(snap.Extensions))
	for k := range snap.Extensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ExtensionStatus, 0, len(keys))
	for _, k := range keys {
		out = append(out, snap.Extensions[k])
	}
	return out
}

func (t *Table) Gateway(name string) (GatewayStatus, bool) {
	g, ok := t.cur.Load().Gateways[name]
	return g, ok
}

// CountRegistered counts extensions that are registered or busy.
func (t *Table) CountRegistered() int {
	n := 0
	for _, st := range t.cur.Load().Extensions {
		if st.State != StateUnregistered {
			n++
		}
	}
	return n
}

// Replace discards every extension entry and installs the given set. Gateway
// states are cleared as well since they are rebuilt from events.
func (t *Table) Replace(statuses []ExtensionStatus, at time.Time) {
	t.update(func(next *Snapshot) {
		next.Extensions = make(map[string]ExtensionStatus, len(statuses))
		for _, st := range statuses {
			next.Extensions[Key(st.Extension, st.Domain)] = st
		}
		next.Gateways = map[string]GatewayStatus{}
		next.RefreshedAt = at
	})
}

func (t *Table) Upsert(st ExtensionStatus) {
	t.update(func(next *Snapshot) {
		next.Extensions[Key(st.Extension, st.Domain)] = st
	})
}

// SetBusy flips an extension between busy and registered. Unknown
// extensions are inserted so that busy state is visible even before their
// registration has been seen.
func (t *Table) SetBusy(extension, domain string, busy bool, at time.Time) {
	t.update(func(next *Snapshot) {
		key := Key(extension, domain)
		st, ok := next.Extensions[key]
		if !ok {
			if !busy {
				return
			}
			st = ExtensionStatus{Extension: extension, Domain: domain}
		}
		switch {
		case busy:
			st.State = StateBusy
		case st.State == StateBusy:
			st.State = StateRegistered
		}
		st.LastSeen = at
		next.Extensions[key] = st
	})
}

func (t *Table) SetGateway(g GatewayStatus) {
	t.update(func(next *Snapshot) {
		next.Gateways[g.Name] = g
	})
}

func (t *Table) update(fn func(next *Snapshot)) {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	prev := t.cur.Load()
	next := &Snapshot{
		Version:     prev.Version + 1,
		RefreshedAt: prev.RefreshedAt,
		Extensions:  make(map[string]ExtensionStatus, len(prev.Extensions)),
		Gateways:    make(map[string]GatewayStatus, len(prev.Gateways)),
	}
	for k, v := range prev.Extensions {
		next.Extensions[k] = v
	}
	for k, v := range prev.Gateways {
		next.Gateways[k] = v
	}
	fn(next)
	t.cur.Store(next)
}
