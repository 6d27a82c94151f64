package crawler

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// OutcomeKind classifies a single fetch attempt.
type OutcomeKind string

// Fetch outcome kinds.
const (
	OutcomeFetched          OutcomeKind = "fetched"
	OutcomeNotYetIssued     OutcomeKind = "not_yet_issued"
	OutcomeTransientFailure OutcomeKind = "transient_failure"
)

// Outcome is the classified result of fetching one key. It is acted on, never persisted.
type Outcome struct {
	Kind OutcomeKind
	// Body is set for OutcomeFetched and holds UTF-8 content.
	Body []byte
	// Reason explains an OutcomeTransientFailure.
	Reason string
	// Requests counts the physical HTTP requests spent on this outcome.
	Requests int
	Duration time.Duration
}

// Fetched builds an OutcomeFetched.
func Fetched(body []byte) Outcome {
	return Outcome{Kind: OutcomeFetched, Body: body}
}

// NotYetIssued builds an OutcomeNotYetIssued.
func NotYetIssued() Outcome {
	return Outcome{Kind: OutcomeNotYetIssued}
}

// TransientFailure builds an OutcomeTransientFailure.
func TransientFailure(format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeTransientFailure, Reason: fmt.Sprintf(format, args...)}
}

// Record is the latest known content of one key.
type Record struct {
	Key          Key               `json:"key"`
	IndexKey     string            `json:"indexKey"`
	Attributes   map[string]string `json:"attributes"`
	FetchedAt    time.Time         `json:"fetchedAt"`
	Completeness int               `json:"completeness"`
}

// NewRecord builds a Record and derives its completeness from attrs.
func NewRecord(key Key, attrs map[string]string, fetchedAt time.Time) Record {
	clean := make(map[string]string, len(attrs))
	for name, value := range attrs {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		clean[name] = value
	}
	return Record{
		Key:          key,
		IndexKey:     key.String(),
		Attributes:   clean,
		FetchedAt:    fetchedAt.UTC(),
		Completeness: len(clean),
	}
}

// Valid reports whether the record may enter the canonical store.
func (r Record) Valid() bool {
	return r.Completeness > 0 && r.Key.Validate() == nil
}

// Recount recomputes Completeness from the attribute map.
func (r *Record) Recount() {
	n := 0
	for _, v := range r.Attributes {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	r.Completeness = n
}

// NotWorseThan reports whether r may replace existing: more complete wins,
// equal completeness falls back to the newer fetch.
func (r Record) NotWorseThan(existing Record) bool {
	if r.Completeness != existing.Completeness {
		return r.Completeness > existing.Completeness
	}
	return !r.FetchedAt.Before(existing.FetchedAt)
}

// SameAttributes reports whether both records carry identical attributes.
func (r Record) SameAttributes(o Record) bool {
	return maps.Equal(r.Attributes, o.Attributes)
}

// SortRecords orders records in the published layout: newest period first,
// then descending sequence.
func SortRecords(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		if c := cmp.Compare(b.Key.Period, a.Key.Period); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Key.Sequence, a.Key.Sequence); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Key.Category, a.Key.Category); c != 0 {
			return c
		}
		return cmp.Compare(b.Key.Revision, a.Key.Revision)
	})
}

// Checkpoint records how far a lane got so a later run can resume.
type Checkpoint struct {
	Lane               string    `json:"lane"`
	LastAttemptedKey   Key       `json:"lastAttemptedKey"`
	ConsecutiveEmpty   int       `json:"consecutiveEmpty"`
	ConsecutiveFailure int       `json:"consecutiveFailure"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Snapshot is the fully materialized canonical dataset.
type Snapshot struct {
	// Version is the backend generation the snapshot was read at; empty when absent.
	Version      string      `json:"-"`
	LastUpdate   time.Time   `json:"lastUpdate"`
	TotalCount   int         `json:"totalCount"`
	PeriodCounts map[int]int `json:"periodCounts"`
	Records      []Record    `json:"records"`
}

// MergeResult summarizes one merge.
type MergeResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// State is the enumeration state of a lane run.
type State string

// Controller states. Every state except StateRunning is terminal.
const (
	StateRunning         State = "running"
	StateStoppedEmpty    State = "stopped_empty"
	StateStoppedFailure  State = "stopped_failure"
	StateStoppedBudget   State = "stopped_budget"
	StateStoppedRangeEnd State = "stopped_range_end"
	StateStoppedCanceled State = "stopped_canceled"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s != StateRunning && s != ""
}

// Lane is a contiguous (period, category, sequence-range) partition owned by one run.
type Lane struct {
	Name             string        `mapstructure:"name" json:"name"`
	Period           int           `mapstructure:"period" json:"period"`
	Category         int           `mapstructure:"category" json:"category"`
	Revision         int           `mapstructure:"revision" json:"revision"`
	StartSequence    int           `mapstructure:"start_sequence" json:"startSequence"`
	EndSequence      int           `mapstructure:"end_sequence" json:"endSequence,omitempty"`
	EmptyThreshold   int           `mapstructure:"empty_threshold" json:"emptyThreshold"`
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failureThreshold"`
	BatchSize        int           `mapstructure:"batch_size" json:"batchSize"`
	MaxSteps         int           `mapstructure:"max_steps" json:"maxSteps,omitempty"`
	RequestDelay     time.Duration `mapstructure:"request_delay" json:"requestDelay"`
	// OneShot lanes always start at StartSequence and keep no checkpoint.
	OneShot bool `mapstructure:"one_shot" json:"oneShot,omitempty"`
}

// ID returns the lane name, deriving one from the partition when unset.
// Bounded lanes carry their end sequence so they never share a checkpoint
// with the open-ended lane starting at the same key.
func (l Lane) ID() string {
	if l.Name != "" {
		return l.Name
	}
	id := fmt.Sprintf("%03d-%d-%05d", l.Period, l.Category, l.StartSequence)
	if l.Revision != 0 {
		id = fmt.Sprintf("%s-r%02d", id, l.Revision)
	}
	if l.Bounded() {
		id = fmt.Sprintf("%s-%05d", id, l.EndSequence)
	}
	return id
}

// Bounded reports whether the lane has an explicit end sequence.
func (l Lane) Bounded() bool {
	return l.EndSequence > 0
}

// KeyAt returns the lane key for sequence seq.
func (l Lane) KeyAt(seq int) Key {
	return Key{Period: l.Period, Category: l.Category, Sequence: seq, Revision: l.Revision}
}

// Validate checks that the lane describes an encodable, non-empty range.
func (l Lane) Validate() error {
	if err := l.KeyAt(max(l.StartSequence, 1)).Validate(); err != nil {
		return fmt.Errorf("lane %s: %w", l.ID(), err)
	}
	if l.StartSequence < 1 {
		return fmt.Errorf("lane %s: start_sequence must be >= 1", l.ID())
	}
	if l.Bounded() && l.EndSequence < l.StartSequence {
		return fmt.Errorf("lane %s: end_sequence must be >= start_sequence", l.ID())
	}
	if l.Bounded() && l.EndSequence > maxSequence {
		return fmt.Errorf("lane %s: end_sequence must be <= %d", l.ID(), maxSequence)
	}
	if l.EmptyThreshold <= 0 {
		return fmt.Errorf("lane %s: empty_threshold must be > 0", l.ID())
	}
	if l.FailureThreshold <= 0 {
		return fmt.Errorf("lane %s: failure_threshold must be > 0", l.ID())
	}
	if l.BatchSize <= 0 {
		return fmt.Errorf("lane %s: batch_size must be > 0", l.ID())
	}
	if l.MaxSteps < 0 {
		return fmt.Errorf("lane %s: max_steps must be >= 0", l.ID())
	}
	if l.RequestDelay < 0 {
		return fmt.Errorf("lane %s: request_delay must be >= 0", l.ID())
	}
	return nil
}

// Overlaps reports whether two lanes could visit the same key.
func (l Lane) Overlaps(o Lane) bool {
	if l.Period != o.Period || l.Category != o.Category || l.Revision != o.Revision {
		return false
	}
	lEnd, oEnd := l.EndSequence, o.EndSequence
	if lEnd == 0 {
		lEnd = maxSequence
	}
	if oEnd == 0 {
		oEnd = maxSequence
	}
	return l.StartSequence <= oEnd && o.StartSequence <= lEnd
}

// RunReport summarizes one lane run.
type RunReport struct {
	RunID      string    `json:"runId"`
	Lane       string    `json:"lane"`
	StopReason State     `json:"stopReason"`
	Attempted  int       `json:"attempted"`
	Fetched    int       `json:"fetched"`
	Empty      int       `json:"empty"`
	Failed     int       `json:"failed"`
	Added      int       `json:"added"`
	Updated    int       `json:"updated"`
	FirstKey   string    `json:"firstKey,omitempty"`
	LastKey    string    `json:"lastKey,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}
