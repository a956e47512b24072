// File: internal/state/merge.go
package state

import (
	"fmt"
	"sort"
)

// MergeKeyError reports a delta field that was not applied. Merges never fail
// as a whole; they return these as warnings and apply every other field.
type MergeKeyError struct {
	Record string // "environment", "agent" or "artifact"
	Name   string // record key, empty for the environment
	Key    string
	Reason string
}

func (e *MergeKeyError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s field %q: %s", e.Record, e.Key, e.Reason)
	}
	return fmt.Sprintf("%s %q field %q: %s", e.Record, e.Name, e.Key, e.Reason)
}

const (
	reasonUnknown   = "unknown field"
	reasonBadValue  = "incompatible value"
	reasonImmutable = "name is immutable"
)

type fieldSetter[R any] func(r *R, v any) bool

func intField[R any](get func(*R) *int) fieldSetter[R] {
	return func(r *R, v any) bool {
		i, ok := toInt(CoerceValue(v))
		if ok {
			*get(r) = i
		}
		return ok
	}
}

func stringField[R any](get func(*R) *string) fieldSetter[R] {
	return func(r *R, v any) bool {
		s, ok := toString(v)
		if ok {
			*get(r) = s
		}
		return ok
	}
}

// environmentFields maps every accepted wire key onto its setter. Several
// spellings exist because producers disagree on casing.
var environmentFields = func() map[string]fieldSetter[EnvironmentRecord] {
	name := stringField(func(r *EnvironmentRecord) *string { return &r.Name })
	status := stringField(func(r *EnvironmentRecord) *string { return &r.Status })
	xSize := intField(func(r *EnvironmentRecord) *int { return &r.XSize })
	ySize := intField(func(r *EnvironmentRecord) *int { return &r.YSize })
	step := intField(func(r *EnvironmentRecord) *int { return &r.CurrentStep })
	maxSteps := intField(func(r *EnvironmentRecord) *int { return &r.MaxSteps })
	episode := intField(func(r *EnvironmentRecord) *int { return &r.CurrentEpisode })
	maxEpisodes := intField(func(r *EnvironmentRecord) *int { return &r.MaxEpisodes })
	queue := func(r *EnvironmentRecord, v any) bool {
		q, ok := toStringSlice(v)
		if ok {
			r.AgentQueue = q
		}
		return ok
	}
	logs := func(r *EnvironmentRecord, v any) bool {
		l, ok := CoerceValue(v).([]any)
		if ok {
			r.Logs = l
		}
		return ok
	}

	// Counts are derived from the collections, so producers sending them
	// are accepted without effect.
	derived := func(*EnvironmentRecord, any) bool { return true }

	return map[string]fieldSetter[EnvironmentRecord]{
		"name":            name,
		"status":          status,
		"current_status":  status,
		"n_agents":        derived,
		"n_artifacts":     derived,
		"x_size":          xSize,
		"xSize":           xSize,
		"y_size":          ySize,
		"ySize":           ySize,
		"current_step":    step,
		"currentStep":     step,
		"step":            step,
		"max_steps":       maxSteps,
		"maxSteps":        maxSteps,
		"current_episode": episode,
		"currentEpisode":  episode,
		"episode":         episode,
		"max_episodes":    maxEpisodes,
		"maxEpisodes":     maxEpisodes,
		"agent_queue":     queue,
		"agentQueue":      queue,
		"logs":            logs,
	}
}()

var agentFields = func() map[string]fieldSetter[AgentRecord] {
	x := intField(func(r *AgentRecord) *int { return &r.X })
	y := intField(func(r *AgentRecord) *int { return &r.Y })
	inventory := func(r *AgentRecord, v any) bool {
		m, ok := toMap(v)
		if ok {
			r.Inventory = m
		}
		return ok
	}
	parameters := func(r *AgentRecord, v any) bool {
		m, ok := toMap(v)
		if ok {
			r.Parameters = m
		}
		return ok
	}
	messages := func(r *AgentRecord, v any) bool {
		m, ok := toMessages(v)
		if ok {
			r.Messages = m
		}
		return ok
	}

	pastActions := func(r *AgentRecord, v any) bool {
		l, ok := CoerceValue(v).([]any)
		if ok {
			r.PastActions = l
		}
		return ok
	}

	return map[string]fieldSetter[AgentRecord]{
		"x_pos":        x,
		"x":            x,
		"y_pos":        y,
		"y":            y,
		"inventory":    inventory,
		"parameters":   parameters,
		"params":       parameters,
		"messages":     messages,
		"past_actions": pastActions,
	}
}()

func toMessages(v any) ([]Message, bool) {
	items, ok := CoerceValue(v).([]any)
	if !ok {
		return nil, false
	}
	out := make([]Message, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		var msg Message
		msg.Role, _ = toString(m["role"])
		if content, ok := toString(m["content"]); ok {
			msg.Content = content
		} else if m["content"] != nil {
			b, err := json.Marshal(m["content"])
			if err == nil {
				msg.Content = string(b)
			}
		}
		msg.Timestamp, _ = ParseTimestamp(m["timestamp"])
		out = append(out, msg)
	}
	return out, true
}

// sortedKeys gives merges a deterministic order so warnings are stable.
func sortedKeys(delta map[string]any) []string {
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MergeEnvironment applies delta to current and returns the next record. Keys
// absent from delta are untouched; unknown keys are reported and ignored.
func MergeEnvironment(current EnvironmentRecord, delta map[string]any) (EnvironmentRecord, []*MergeKeyError) {
	next := current.clone()
	var warnings []*MergeKeyError
	for _, key := range sortedKeys(delta) {
		set, ok := environmentFields[key]
		if !ok {
			warnings = append(warnings, &MergeKeyError{Record: "environment", Key: key, Reason: reasonUnknown})
			continue
		}
		if !set(&next, delta[key]) {
			warnings = append(warnings, &MergeKeyError{Record: "environment", Key: key, Reason: reasonBadValue})
		}
	}
	return next, warnings
}

// MergeAgent applies delta to current at the record level: supplied fields
// replace prior values, the rest are kept.
func MergeAgent(current AgentRecord, delta map[string]any) (AgentRecord, []*MergeKeyError) {
	next := current.clone()
	var warnings []*MergeKeyError
	for _, key := range sortedKeys(delta) {
		if key == "name" {
			if s, _ := toString(delta[key]); s != current.Name {
				warnings = append(warnings, &MergeKeyError{Record: "agent", Name: current.Name, Key: key, Reason: reasonImmutable})
			}
			continue
		}
		set, ok := agentFields[key]
		if !ok {
			warnings = append(warnings, &MergeKeyError{Record: "agent", Name: current.Name, Key: key, Reason: reasonUnknown})
			continue
		}
		if !set(&next, delta[key]) {
			warnings = append(warnings, &MergeKeyError{Record: "agent", Name: current.Name, Key: key, Reason: reasonBadValue})
		}
	}
	return next, warnings
}

// MergeArtifact shallow merges delta into the artifact's properties.
func MergeArtifact(current ArtifactRecord, delta map[string]any) (ArtifactRecord, []*MergeKeyError) {
	next := current.clone()
	if next.Properties == nil {
		next.Properties = map[string]any{}
	}
	var warnings []*MergeKeyError
	for _, key := range sortedKeys(delta) {
		if key == "name" {
			if s, _ := toString(delta[key]); s != current.Name {
				warnings = append(warnings, &MergeKeyError{Record: "artifact", Name: current.Name, Key: key, Reason: reasonImmutable})
			}
			continue
		}
		next.Properties[key] = CoerceValue(delta[key])
	}
	return next, warnings
}
