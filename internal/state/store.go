package state

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Callback receives the new and previous value of a subscribed path.
type Callback func(newValue, oldValue any)

// Change describes a single mutation, delivered to global watchers.
type Change struct {
	Path   string    `json:"path"`
	Value  any       `json:"value"`
	Old    any       `json:"old,omitempty"`
	Source string    `json:"source,omitempty"`
	At     time.Time `json:"at"`
}

// Watcher observes every change regardless of path.
type Watcher func(Change)

// Metadata records who last modified an entry and when.
type Metadata struct {
	ModifiedBy string    `json:"modified_by,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Entry is a stored value plus its metadata.
type Entry struct {
	Value any      `json:"value"`
	Meta  Metadata `json:"meta"`
}

// SetOption customizes a Set call.
type SetOption func(*setOptions)

type setOptions struct {
	source string
}

// WithSource tags the write with the name of the component performing it.
func WithSource(source string) SetOption {
	return func(o *setOptions) { o.source = source }
}

type subscription struct {
	id uint64
	fn Callback
}

type watcher struct {
	id uint64
	fn Watcher
}

// Store is a path-keyed key/value mirror with change notification.
// Paths are dot-delimited, e.g. "tasks.<id>.status". Subscriptions match the
// exact path only.
//
// Writes are serialized: callbacks for a Set run synchronously before the next
// Set starts, so notifications for a path arrive in write order. Callbacks may
// read the store and (un)subscribe but must not call Set, Delete or Clear.
type Store struct {
	writeMu  sync.Mutex
	mu       sync.RWMutex
	entries  map[string]*Entry
	subs     map[string][]subscription
	watchers []watcher
	nextID   uint64
	logger   *zap.Logger
}

// NewStore creates an empty state store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		entries: make(map[string]*Entry),
		subs:    make(map[string][]subscription),
		logger:  logger,
	}
}

// Get returns the value at path.
func (s *Store) Get(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[path]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Entry returns the value at path together with its metadata.
func (s *Store) Entry(path string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[path]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Set stores value at path and notifies subscribers of that path.
// Every call notifies, even when the value is unchanged.
func (s *Store) Set(path string, value any, opts ...SetOption) {
	var o setOptions
	for _, fn := range opts {
		fn(&o)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now()
	s.mu.Lock()
	var old any
	if e, ok := s.entries[path]; ok {
		old = e.Value
	}
	s.entries[path] = &Entry{
		Value: value,
		Meta:  Metadata{ModifiedBy: o.source, ModifiedAt: now},
	}
	subs := append([]subscription(nil), s.subs[path]...)
	watchers := append([]watcher(nil), s.watchers...)
	s.mu.Unlock()

	s.notify(path, subs, value, old)
	s.broadcast(watchers, Change{Path: path, Value: value, Old: old, Source: o.source, At: now})
}

// Delete removes the value at path. Subscribers receive (nil, old).
func (s *Store) Delete(path string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	e, ok := s.entries[path]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.entries, path)
	subs := append([]subscription(nil), s.subs[path]...)
	watchers := append([]watcher(nil), s.watchers...)
	s.mu.Unlock()

	s.notify(path, subs, nil, e.Value)
	s.broadcast(watchers, Change{Path: path, Old: e.Value, At: time.Now()})
}

// Clear drops every value. Subscriptions are kept.
func (s *Store) Clear() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	old := s.entries
	s.entries = make(map[string]*Entry)
	watchers := append([]watcher(nil), s.watchers...)
	s.mu.Unlock()

	now := time.Now()
	for _, path := range sortedKeys(old) {
		s.broadcast(watchers, Change{Path: path, Old: old[path].Value, At: now})
	}
}

// Subscribe registers fn for exact-path changes. The returned function
// removes the subscription.
func (s *Store) Subscribe(path string, fn Callback) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[path] = append(s.subs[path], subscription{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.subs[path]
		for i, sub := range list {
			if sub.id == id {
				s.subs[path] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(s.subs[path]) == 0 {
			delete(s.subs, path)
		}
	}
}

// Watch registers fn for every change in the store.
func (s *Store) Watch(fn Watcher) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.watchers = append(s.watchers, watcher{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w.id == id {
				s.watchers = append(s.watchers[:i:i], s.watchers[i+1:]...)
				return
			}
		}
	}
}

// Keys returns all paths starting with prefix, sorted.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of every path/value pair.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.Value
	}
	return out
}

// Restore replaces the entire contents with values. No notifications are sent.
func (s *Store) Restore(values map[string]any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now()
	entries := make(map[string]*Entry, len(values))
	for k, v := range values {
		entries[k] = &Entry{Value: v, Meta: Metadata{ModifiedBy: "restore", ModifiedAt: now}}
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

// Len returns the number of stored paths.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) notify(path string, subs []subscription, value, old any) {
	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("state subscriber panicked",
						zap.String("path", path),
						zap.Any("panic", r))
				}
			}()
			sub.fn(value, old)
		}()
	}
}

func (s *Store) broadcast(watchers []watcher, c Change) {
	for _, w := range watchers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("state watcher panicked",
						zap.String("path", c.Path),
						zap.Any("panic", r))
				}
			}()
			w.fn(c)
		}()
	}
}

func sortedKeys(m map[string]*Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
