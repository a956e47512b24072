// File: internal/state/records.go
package state

import (
	"strings"
	"time"
)

// Defaults for EnvironmentRecord. Every field has a last known good value so
// readers never observe an unset environment.
const (
	DefaultEnvironmentName = "N/A"
	DefaultGridSize        = 10
	DefaultMaxSteps        = 10
	DefaultMaxEpisodes     = 10
	DefaultStatus          = "stopped"
)

// EnvironmentRecord holds the scalar properties of the simulation.
type EnvironmentRecord struct {
	Name           string   `json:"name"`
	XSize          int      `json:"x_size"`
	YSize          int      `json:"y_size"`
	CurrentStep    int      `json:"current_step"`
	MaxSteps       int      `json:"max_steps"`
	CurrentEpisode int      `json:"current_episode"`
	MaxEpisodes    int      `json:"max_episodes"`
	Status         string   `json:"status"`
	AgentQueue     []string `json:"agent_queue"`
	// Logs holds log lines reported by the environment itself. They belong to
	// one connection's data and are reset with the record.
	Logs []any `json:"logs"`
}

// DefaultEnvironment returns a record with every field at its default.
func DefaultEnvironment() EnvironmentRecord {
	return EnvironmentRecord{
		Name:        DefaultEnvironmentName,
		XSize:       DefaultGridSize,
		YSize:       DefaultGridSize,
		MaxSteps:    DefaultMaxSteps,
		MaxEpisodes: DefaultMaxEpisodes,
		Status:      DefaultStatus,
		AgentQueue:  []string{},
		Logs:        []any{},
	}
}

func (e EnvironmentRecord) clone() EnvironmentRecord {
	out := e
	out.AgentQueue = append([]string{}, e.AgentQueue...)
	out.Logs = make([]any, len(e.Logs))
	for i, v := range e.Logs {
		out.Logs[i] = cloneValue(v)
	}
	return out
}

// Message is one entry of an agent's conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentRecord is keyed by Name, which never changes after insert. Inventory and
// Parameters are open ended; everything else is a fixed field.
type AgentRecord struct {
	Name       string         `json:"name"`
	X          int            `json:"x_pos"`
	Y          int            `json:"y_pos"`
	Inventory  map[string]any `json:"inventory"`
	Parameters map[string]any `json:"parameters"`
	Messages   []Message      `json:"messages"`
	// PastActions is nil until the producer reports any.
	PastActions []any `json:"past_actions,omitempty"`
}

// NewAgent returns an agent with defaults for every field.
func NewAgent(name string) AgentRecord {
	return AgentRecord{
		Name:       name,
		Inventory:  map[string]any{},
		Parameters: map[string]any{},
		Messages:   []Message{},
	}
}

func (a AgentRecord) clone() AgentRecord {
	out := a
	out.Inventory = cloneMap(a.Inventory)
	out.Parameters = cloneMap(a.Parameters)
	out.Messages = append([]Message{}, a.Messages...)
	if a.PastActions != nil {
		out.PastActions = cloneValue(a.PastActions).([]any)
	}
	return out
}

// ArtifactRecord is keyed by Name. Each artifact subtype defines its own
// property names, so all of them live in Properties.
type ArtifactRecord struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
}

// NewArtifact returns an artifact with no properties.
func NewArtifact(name string) ArtifactRecord {
	return ArtifactRecord{Name: name, Properties: map[string]any{}}
}

func (a ArtifactRecord) clone() ArtifactRecord {
	return ArtifactRecord{Name: a.Name, Properties: cloneMap(a.Properties)}
}

// LogLevel is the severity of a LogEntry.
type LogLevel string

const (
	LevelDebug    LogLevel = "DEBUG"
	LevelInfo     LogLevel = "INFO"
	LevelWarning  LogLevel = "WARNING"
	LevelError    LogLevel = "ERROR"
	LevelCritical LogLevel = "CRITICAL"
)

// ParseLogLevel maps a level name, case insensitively, onto a LogLevel.
// WARN and FATAL are accepted as aliases.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARNING", "WARN":
		return LevelWarning, true
	case "ERROR":
		return LevelError, true
	case "CRITICAL", "FATAL":
		return LevelCritical, true
	}
	return LevelInfo, false
}

// LogEntry is one line of the append-only log sequence.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}
