// Package core provides the data structures for spiralsync progress cores.
package core

import (
	"fmt"
	"math"
	"time"
)

// SchemaVersion is the version stamped on every persisted Core and
// QueuedUpdate. Rows carrying an unknown version are treated as corrupt
// and discarded rather than parsed on best effort.
const SchemaVersion = 1

// TrendThreshold is the minimum level delta before a core is classified
// as rising or declining instead of stable.
const TrendThreshold = 0.05

// MaxDailyChange caps the level change magnitude applied by a single
// resolved update. The cap is applied to the conflict winner, not to
// every raw delta.
const MaxDailyChange = 0.3

// Trend classifies the direction a core's level is moving.
type Trend string

const (
	TrendRising    Trend = "rising"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// Valid reports whether the trend is one of the known values.
func (t Trend) Valid() bool {
	switch t {
	case TrendRising, TrendStable, TrendDeclining:
		return true
	}
	return false
}

// Core represents a named progress tracker derived from journal analysis.
// Levels are always within [0.0, 1.0]; mutations flow through the sync
// pipeline and cores are reset to a baseline, never deleted.
type Core struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Color         string    `json:"color,omitempty"`
	CurrentLevel  float64   `json:"current_level"`
	PreviousLevel float64   `json:"previous_level"`
	Trend         Trend     `json:"trend"`
	LastUpdated   time.Time `json:"last_updated"`
	Milestones    []string  `json:"milestones,omitempty"`
	Insight       string    `json:"insight,omitempty"`
	SchemaVersion int       `json:"schema_version"`
}

// WellKnownCoreIDs is the fixed set of cores created at first access.
// Cores are not user-creatable.
var WellKnownCoreIDs = []string{
	"optimism",
	"resilience",
	"self-awareness",
	"creativity",
	"social-connection",
	"growth-mindset",
}

// BaselineLevel is the level a core starts at and is reset to.
const BaselineLevel = 0.5

// NewCore returns a baseline core for a well-known id.
func NewCore(id, name string) *Core {
	return &Core{
		ID:            id,
		Name:          name,
		CurrentLevel:  BaselineLevel,
		PreviousLevel: BaselineLevel,
		Trend:         TrendStable,
		LastUpdated:   time.Now().UTC(),
		SchemaVersion: SchemaVersion,
	}
}

// Validate checks the core's field values.
func (c *Core) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if c.CurrentLevel < 0.0 || c.CurrentLevel > 1.0 {
		return fmt.Errorf("%w: current_level must be within [0.0, 1.0] (got %v)", ErrValidation, c.CurrentLevel)
	}
	if c.PreviousLevel < 0.0 || c.PreviousLevel > 1.0 {
		return fmt.Errorf("%w: previous_level must be within [0.0, 1.0] (got %v)", ErrValidation, c.PreviousLevel)
	}
	if c.Trend != "" && !c.Trend.Valid() {
		return fmt.Errorf("%w: unknown trend %q", ErrValidation, c.Trend)
	}
	if math.IsNaN(c.CurrentLevel) || math.IsInf(c.CurrentLevel, 0) {
		return fmt.Errorf("%w: current_level must be a finite number", ErrValidation)
	}
	return nil
}

// ClampLevel bounds a level into [0.0, 1.0]. NaN clamps to 0.
func ClampLevel(level float64) float64 {
	if math.IsNaN(level) {
		return 0.0
	}
	if level < 0.0 {
		return 0.0
	}
	if level > 1.0 {
		return 1.0
	}
	return level
}

// LimitChange bounds the step from previous toward target to MaxDailyChange
// in either direction. The result is also clamped into [0.0, 1.0].
func LimitChange(previous, target float64) float64 {
	target = ClampLevel(target)
	delta := target - previous
	if delta > MaxDailyChange {
		delta = MaxDailyChange
	} else if delta < -MaxDailyChange {
		delta = -MaxDailyChange
	}
	return ClampLevel(previous + delta)
}

// DeriveTrend classifies the movement from previous to current level.
func DeriveTrend(previous, current float64) Trend {
	switch delta := current - previous; {
	case delta > TrendThreshold:
		return TrendRising
	case delta < -TrendThreshold:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// ApplyLevel advances the core to a new level, recording the previous
// level, deriving the trend, and stamping the update time. The new level
// is clamped and change-limited before being applied.
func (c *Core) ApplyLevel(level float64, at time.Time) {
	limited := LimitChange(c.CurrentLevel, level)
	c.PreviousLevel = c.CurrentLevel
	c.CurrentLevel = limited
	c.Trend = DeriveTrend(c.PreviousLevel, c.CurrentLevel)
	if at.IsZero() {
		at = time.Now().UTC()
	}
	c.LastUpdated = at
}

// Reset returns the core to its baseline level and stable trend.
// Descriptive fields are retained.
func (c *Core) Reset() {
	c.PreviousLevel = c.CurrentLevel
	c.CurrentLevel = BaselineLevel
	c.Trend = TrendStable
	c.LastUpdated = time.Now().UTC()
	c.Milestones = nil
	c.Insight = ""
}

// Clone returns a deep copy of the core. Cached snapshots hand out clones
// so callers cannot mutate shared state.
func (c *Core) Clone() *Core {
	dup := *c
	if c.Milestones != nil {
		dup.Milestones = append([]string(nil), c.Milestones...)
	}
	return &dup
}
