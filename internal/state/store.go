// File: internal/state/store.go
package state

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// LogSink receives every appended LogEntry, typically to persist it.
type LogSink interface {
	Append(entry LogEntry) error
	Clear() error
}

// Snapshot is an immutable point in time view of the store. Accessors return
// copies; unchanged records are shared between successive snapshots.
type Snapshot struct {
	version   uint64
	env       EnvironmentRecord
	agents    map[string]AgentRecord
	artifacts map[string]ArtifactRecord
	logs      []LogEntry
	kv        map[string]any
}

// Version increases by one with every published change.
func (s *Snapshot) Version() uint64 { return s.version }

// Environment returns the environment record.
func (s *Snapshot) Environment() EnvironmentRecord { return s.env.clone() }

// Agent returns the named agent.
func (s *Snapshot) Agent(name string) (AgentRecord, bool) {
	a, ok := s.agents[name]
	if !ok {
		return AgentRecord{}, false
	}
	return a.clone(), true
}

// Agents returns every agent ordered by name.
func (s *Snapshot) Agents() []AgentRecord {
	out := make([]AgentRecord, 0, len(s.agents))
	for _, name := range s.AgentNames() {
		out = append(out, s.agents[name].clone())
	}
	return out
}

// AgentNames returns the sorted agent keys.
func (s *Snapshot) AgentNames() []string {
	names := make([]string, 0, len(s.agents))
	for name := range s.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AgentCount returns the size of the agent collection.
func (s *Snapshot) AgentCount() int { return len(s.agents) }

// Artifact returns the named artifact.
func (s *Snapshot) Artifact(name string) (ArtifactRecord, bool) {
	a, ok := s.artifacts[name]
	if !ok {
		return ArtifactRecord{}, false
	}
	return a.clone(), true
}

// Artifacts returns every artifact ordered by name.
func (s *Snapshot) Artifacts() []ArtifactRecord {
	names := make([]string, 0, len(s.artifacts))
	for name := range s.artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]ArtifactRecord, 0, len(names))
	for _, name := range names {
		out = append(out, s.artifacts[name].clone())
	}
	return out
}

// ArtifactCount returns the size of the artifact collection.
func (s *Snapshot) ArtifactCount() int { return len(s.artifacts) }

// Logs returns the log sequence in arrival order.
func (s *Snapshot) Logs() []LogEntry { return append([]LogEntry{}, s.logs...) }

// LogCount returns the length of the log sequence.
func (s *Snapshot) LogCount() int { return len(s.logs) }

// KV returns one value from the key-value store.
func (s *Snapshot) KV(key string) (any, bool) {
	v, ok := s.kv[key]
	return cloneValue(v), ok
}

// KVAll returns a copy of the whole key-value store.
func (s *Snapshot) KVAll() map[string]any { return cloneMap(s.kv) }

// Store is the authoritative client side mirror. Mutations are serialized and
// each one publishes a new Snapshot; reads are lock free.
type Store struct {
	logger  *zap.Logger
	sink    LogSink
	now     func() time.Time
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// Option configures a Store.
type Option func(*Store)

// WithLogSink forwards appended log entries to sink.
func WithLogSink(sink LogSink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithClock overrides the time source used to stamp log entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogHistory seeds the log sequence, e.g. from persisted history.
func WithLogHistory(entries []LogEntry) Option {
	return func(s *Store) {
		snap := s.current.Load()
		snap.logs = append([]LogEntry{}, entries...)
	}
}

// NewStore returns a store holding default state.
func NewStore(logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{logger: logger.Named("store"), now: time.Now}
	s.current.Store(&Snapshot{
		env:       DefaultEnvironment(),
		agents:    map[string]AgentRecord{},
		artifacts: map[string]ArtifactRecord{},
		logs:      []LogEntry{},
		kv:        map[string]any{},
	})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the latest published view.
func (s *Store) Snapshot() *Snapshot { return s.current.Load() }

// update derives the next snapshot from the current one under the write lock.
// mutate works on a shallow copy; it must replace, not modify, any map or
// slice it changes.
func (s *Store) update(mutate func(next *Snapshot)) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current.Load()
	next := *prev
	mutate(&next)
	next.version = prev.version + 1
	s.current.Store(&next)
	return &next
}

func (s *Store) warn(warnings []*MergeKeyError) {
	for _, w := range warnings {
		s.logger.Warn("Ignoring delta field", zap.String("record", w.Record), zap.String("name", w.Name),
			zap.String("key", w.Key), zap.String("reason", w.Reason))
	}
}

// MergeEnvironment applies a partial environment delta.
func (s *Store) MergeEnvironment(delta map[string]any) []*MergeKeyError {
	var warnings []*MergeKeyError
	s.update(func(next *Snapshot) {
		next.env, warnings = MergeEnvironment(next.env, delta)
	})
	s.warn(warnings)
	return warnings
}

// MergeAgents inserts or updates each agent in deltas. A nil delta removes the
// agent.
func (s *Store) MergeAgents(deltas map[string]map[string]any) []*MergeKeyError {
	var warnings []*MergeKeyError
	s.update(func(next *Snapshot) {
		agents := make(map[string]AgentRecord, len(next.agents)+len(deltas))
		for k, v := range next.agents {
			agents[k] = v
		}
		for _, name := range sortedDeltaKeys(deltas) {
			delta := deltas[name]
			if delta == nil {
				delete(agents, name)
				continue
			}
			current, ok := agents[name]
			if !ok {
				current = NewAgent(name)
			}
			merged, w := MergeAgent(current, delta)
			agents[name] = merged
			warnings = append(warnings, w...)
		}
		next.agents = agents
	})
	s.warn(warnings)
	return warnings
}

// MergeArtifacts inserts or updates each artifact in deltas. A nil delta
// removes the artifact.
func (s *Store) MergeArtifacts(deltas map[string]map[string]any) []*MergeKeyError {
	var warnings []*MergeKeyError
	s.update(func(next *Snapshot) {
		artifacts := make(map[string]ArtifactRecord, len(next.artifacts)+len(deltas))
		for k, v := range next.artifacts {
			artifacts[k] = v
		}
		for _, name := range sortedDeltaKeys(deltas) {
			delta := deltas[name]
			if delta == nil {
				delete(artifacts, name)
				continue
			}
			current, ok := artifacts[name]
			if !ok {
				current = NewArtifact(name)
			}
			merged, w := MergeArtifact(current, delta)
			artifacts[name] = merged
			warnings = append(warnings, w...)
		}
		next.artifacts = artifacts
	})
	s.warn(warnings)
	return warnings
}

// RemoveAgent deletes one agent. It reports whether the agent existed.
func (s *Store) RemoveAgent(name string) bool {
	if _, ok := s.Snapshot().agents[name]; !ok {
		return false
	}
	s.MergeAgents(map[string]map[string]any{name: nil})
	return true
}

// RemoveArtifact deletes one artifact. It reports whether the artifact existed.
func (s *Store) RemoveArtifact(name string) bool {
	if _, ok := s.Snapshot().artifacts[name]; !ok {
		return false
	}
	s.MergeArtifacts(map[string]map[string]any{name: nil})
	return true
}

// AppendLogs appends entries in order. A zero timestamp is stamped with now.
func (s *Store) AppendLogs(entries ...LogEntry) {
	if len(entries) == 0 {
		return
	}
	stamped := make([]LogEntry, len(entries))
	for i, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = s.now()
		}
		if e.Level == "" {
			e.Level = LevelInfo
		}
		stamped[i] = e
	}
	s.update(func(next *Snapshot) {
		// Appending past len never disturbs older snapshots, which only see
		// their own prefix of the backing array.
		next.logs = append(next.logs, stamped...)
	})
	if s.sink == nil {
		return
	}
	for _, e := range stamped {
		if err := s.sink.Append(e); err != nil {
			s.logger.Warn("Failed to persist log entry", zap.Error(err))
		}
	}
}

// AddLog appends a single entry stamped with the current time.
func (s *Store) AddLog(level LogLevel, message string) {
	s.AppendLogs(LogEntry{Timestamp: s.now(), Level: level, Message: message})
}

// ClearLogs empties the log sequence, including persisted history.
func (s *Store) ClearLogs() {
	s.update(func(next *Snapshot) { next.logs = []LogEntry{} })
	if s.sink != nil {
		if err := s.sink.Clear(); err != nil {
			s.logger.Warn("Failed to clear persisted log history", zap.Error(err))
		}
	}
}

// SetKV sets several keys at once.
func (s *Store) SetKV(pairs map[string]any) {
	if len(pairs) == 0 {
		return
	}
	s.update(func(next *Snapshot) {
		kv := cloneShallow(next.kv)
		for k, v := range pairs {
			kv[k] = CoerceValue(v)
		}
		next.kv = kv
	})
}

// DeleteKV removes one key and reports whether it existed.
func (s *Store) DeleteKV(key string) bool {
	if _, ok := s.Snapshot().kv[key]; !ok {
		return false
	}
	s.update(func(next *Snapshot) {
		kv := cloneShallow(next.kv)
		delete(kv, key)
		next.kv = kv
	})
	return true
}

// ClearKV empties the key-value store.
func (s *Store) ClearKV() {
	s.update(func(next *Snapshot) { next.kv = map[string]any{} })
}

// Clear resets the environment, agents and artifacts. Logs and the key-value
// store outlive a connection and are kept.
func (s *Store) Clear() {
	s.update(func(next *Snapshot) {
		next.env = DefaultEnvironment()
		next.agents = map[string]AgentRecord{}
		next.artifacts = map[string]ArtifactRecord{}
	})
}

func cloneShallow(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedDeltaKeys(deltas map[string]map[string]any) []string {
	keys := make([]string, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
