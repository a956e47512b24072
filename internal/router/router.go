// File: internal/router/router.go
package router

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/simsync/internal/state"
)

// Store is the mutation surface the router dispatches to.
type Store interface {
	MergeEnvironment(delta map[string]any) []*state.MergeKeyError
	MergeAgents(deltas map[string]map[string]any) []*state.MergeKeyError
	MergeArtifacts(deltas map[string]map[string]any) []*state.MergeKeyError
	AppendLogs(entries ...state.LogEntry)
	SetKV(pairs map[string]any)
}

var _ Store = (*state.Store)(nil)

type handler func(r *Router, env Envelope) error

// routes maps each category onto its merge handler.
var routes = map[string]handler{
	"environment":   (*Router).environment,
	"full_refresh":  (*Router).fullRefresh,
	"cxmetadata":    (*Router).environment,
	"cxgridworld":   (*Router).environment,
	"agents":        (*Router).agents,
	"cxagents":      (*Router).agents,
	"artifacts":     (*Router).artifacts,
	"logs":          (*Router).logs,
	"cxlogs":        (*Router).logs,
	"kv_storage":    (*Router).kv,
	"sqlite_master": (*Router).sqliteMaster,
	"ping":          (*Router).heartbeat,
	"pong":          (*Router).heartbeat,
}

// Categories returns every category with a handler, sorted.
func Categories() []string {
	out := make([]string, 0, len(routes))
	for c := range routes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Stats counts frames by outcome.
type Stats struct {
	Routed    uint64
	Dropped   uint64
	Unhandled uint64
}

// Router decodes frames and applies them to a Store. It is not safe for
// concurrent use; callers feed it from a single goroutine.
type Router struct {
	logger    *zap.Logger
	store     Store
	routed    atomic.Uint64
	dropped   atomic.Uint64
	unhandled atomic.Uint64
}

// New creates a router writing to store.
func New(logger *zap.Logger, store Store) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{logger: logger.Named("router"), store: store}
}

// Stats returns the frame counters.
func (r *Router) Stats() Stats {
	return Stats{Routed: r.routed.Load(), Dropped: r.dropped.Load(), Unhandled: r.unhandled.Load()}
}

// HandleFrame decodes and dispatches one frame. Malformed frames are logged
// once and dropped; the returned error is informational.
func (r *Router) HandleFrame(frame []byte) error {
	env, err := Decode(frame)
	if err != nil {
		r.dropped.Add(1)
		r.logger.Warn("Dropping malformed frame", zap.Error(err))
		return err
	}
	return r.Dispatch(env)
}

// Dispatch applies an already decoded envelope. Unknown categories are logged
// and ignored.
func (r *Router) Dispatch(env Envelope) error {
	h, ok := routes[env.Category]
	if !ok {
		r.unhandled.Add(1)
		r.logger.Info("Unhandled message type", zap.String("category", env.Category), zap.String("source", env.Source))
		return nil
	}
	if err := h(r, env); err != nil {
		r.dropped.Add(1)
		r.logger.Warn("Dropping frame with unexpected payload", zap.String("category", env.Category), zap.Error(err))
		return err
	}
	r.routed.Add(1)
	return nil
}

func (r *Router) environment(env Envelope) error {
	delta, err := environmentDelta(env.Payload)
	if err != nil {
		return err
	}
	r.store.MergeEnvironment(delta)
	return nil
}

// fullRefresh carries the environment plus optional nested collections.
func (r *Router) fullRefresh(env Envelope) error {
	delta, err := environmentDelta(env.Payload)
	if err != nil {
		return err
	}
	nested := map[string]handler{"agents": (*Router).agents, "artifacts": (*Router).artifacts}
	for _, key := range []string{"agents", "artifacts"} {
		v, ok := delta[key]
		if !ok {
			continue
		}
		delete(delta, key)
		if err := nested[key](r, Envelope{Category: key, Payload: state.CoerceValue(v), Source: env.Source}); err != nil {
			return fmt.Errorf("nested %s: %w", key, err)
		}
	}
	if len(delta) > 0 {
		r.store.MergeEnvironment(delta)
	}
	return nil
}

func (r *Router) agents(env Envelope) error {
	deltas, err := recordDeltas(env.Payload)
	if err != nil {
		return err
	}
	r.store.MergeAgents(deltas)
	return nil
}

func (r *Router) artifacts(env Envelope) error {
	deltas, err := recordDeltas(env.Payload)
	if err != nil {
		return err
	}
	r.store.MergeArtifacts(deltas)
	return nil
}

func (r *Router) logs(env Envelope) error {
	entries, err := logEntries(env.Payload)
	if err != nil {
		return err
	}
	r.store.AppendLogs(entries...)
	return nil
}

func (r *Router) kv(env Envelope) error {
	pairs, ok := keyValueRows(env.Payload)
	if !ok {
		return fmt.Errorf("kv_storage payload is %T, want an object", env.Payload)
	}
	r.store.SetKV(pairs)
	return nil
}

// sqliteMaster is the server's table listing; it is kept whole under its own
// key.
func (r *Router) sqliteMaster(env Envelope) error {
	r.store.SetKV(map[string]any{"sqlite_master": env.Payload})
	return nil
}

func (r *Router) heartbeat(env Envelope) error {
	r.logger.Debug("Heartbeat", zap.String("category", env.Category))
	return nil
}

// environmentDelta accepts an object or a list of {key, value} rows.
func environmentDelta(payload any) (map[string]any, error) {
	delta, ok := keyValueRows(payload)
	if !ok {
		return nil, fmt.Errorf("environment payload is %T, want an object", payload)
	}
	return delta, nil
}

// keyValueRows accepts an object, or the table form [{"key": k, "value": v}].
func keyValueRows(payload any) (map[string]any, bool) {
	switch p := payload.(type) {
	case map[string]any:
		out := make(map[string]any, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out, true
	case []any:
		out := make(map[string]any, len(p))
		for _, row := range p {
			m, ok := row.(map[string]any)
			if !ok {
				return nil, false
			}
			key, ok := m["key"].(string)
			if !ok {
				return nil, false
			}
			out[key] = m["value"]
		}
		return out, true
	}
	return nil, false
}

// recordDeltas accepts a map keyed by name, a single row carrying "name", or a
// list of such rows. A null value removes the record.
func recordDeltas(payload any) (map[string]map[string]any, error) {
	switch p := payload.(type) {
	case map[string]any:
		if isRow(p) {
			name, _ := p["name"].(string)
			return map[string]map[string]any{name: p}, nil
		}
		out := make(map[string]map[string]any, len(p))
		for name, v := range p {
			if v == nil {
				out[name] = nil
				continue
			}
			m, ok := state.CoerceValue(v).(map[string]any)
			if !ok {
				return nil, fmt.Errorf("record %q is %T, want an object", name, v)
			}
			out[name] = m
		}
		return out, nil
	case []any:
		out := make(map[string]map[string]any, len(p))
		for i, row := range p {
			m, ok := state.CoerceValue(row).(map[string]any)
			if !ok {
				return nil, fmt.Errorf("row %d is %T, want an object", i, row)
			}
			name, ok := m["name"].(string)
			if !ok || name == "" {
				return nil, fmt.Errorf("row %d has no name", i)
			}
			out[name] = m
		}
		return out, nil
	}
	return nil, fmt.Errorf("payload is %T, want an object or a list", payload)
}

// isRow tells a single named record apart from a map keyed by name. Keyed
// values are always objects, so a string name can only belong to a row.
func isRow(m map[string]any) bool {
	_, ok := m["name"].(string)
	return ok
}

// logEntries accepts one entry, a list of entries, or bare strings.
func logEntries(payload any) ([]state.LogEntry, error) {
	switch p := payload.(type) {
	case string:
		return []state.LogEntry{{Level: state.LevelInfo, Message: p}}, nil
	case map[string]any:
		e, err := logEntry(p)
		if err != nil {
			return nil, err
		}
		return []state.LogEntry{e}, nil
	case []any:
		out := make([]state.LogEntry, 0, len(p))
		for i, item := range p {
			switch it := item.(type) {
			case string:
				out = append(out, state.LogEntry{Level: state.LevelInfo, Message: it})
			case map[string]any:
				e, err := logEntry(it)
				if err != nil {
					return nil, fmt.Errorf("entry %d: %w", i, err)
				}
				out = append(out, e)
			default:
				return nil, fmt.Errorf("entry %d is %T", i, item)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("log payload is %T", payload)
}

func logEntry(m map[string]any) (state.LogEntry, error) {
	var e state.LogEntry
	msg, ok := firstString(m, "message", "msg", "content", "text")
	if !ok {
		return e, fmt.Errorf("log entry has no message")
	}
	e.Message = msg
	e.Level = state.LevelInfo
	if lvl, ok := firstString(m, "level", "levelname", "severity"); ok {
		if parsed, ok := state.ParseLogLevel(lvl); ok {
			e.Level = parsed
		}
	}
	e.Timestamp = logTimestamp(m)
	return e, nil
}

func firstString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			return s, true
		}
	}
	return "", false
}

// logTimestamp reads "timestamp", "time" or "ts". A missing or unreadable
// value leaves the zero time for the store to stamp.
func logTimestamp(m map[string]any) time.Time {
	for _, k := range []string{"timestamp", "time", "ts"} {
		if ts, ok := state.ParseTimestamp(m[k]); ok {
			return ts
		}
	}
	return time.Time{}
}
