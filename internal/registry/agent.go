package registry

import (
	"slices"
	"time"
)

// Status is the availability of an agent.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
	StatusError     Status = "error"
)

// Valid reports whether s is a known agent status.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusOffline, StatusError:
		return true
	}
	return false
}

// Agent is a registered worker with a set of capabilities.
type Agent struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Capabilities   []string       `json:"capabilities"`
	Status         Status         `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	PreferredModel string         `json:"preferredModel,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActive     time.Time      `json:"lastActive"`
}

// HasCapability reports whether the agent advertises c (exact match).
func (a *Agent) HasCapability(c string) bool {
	return slices.Contains(a.Capabilities, c)
}

// HasAll reports whether the agent's capabilities are a superset of required.
func (a *Agent) HasAll(required []string) bool {
	for _, c := range required {
		if !a.HasCapability(c) {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no mutable state with a.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	if a.Metadata != nil {
		c.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Patch is a partial agent update. Nil fields are left unchanged.
type Patch struct {
	Name           *string
	Type           *string
	Capabilities   []string
	Status         *Status
	Metadata       map[string]any
	PreferredModel *string
}

// Filter selects agents; all set fields must match.
type Filter struct {
	Types        []string       `json:"types,omitempty"`
	Statuses     []Status       `json:"status,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Match reports whether a satisfies every criterion of f.
func (f Filter) Match(a *Agent) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, a.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
		return false
	}
	if len(f.Capabilities) > 0 && !a.HasAll(f.Capabilities) {
		return false
	}
	for k, want := range f.Metadata {
		got, ok := a.Metadata[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// normalizeCapabilities de-duplicates and sorts a capability list.
func normalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}
