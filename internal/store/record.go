package store

import (
	"time"
)

// Record is the durable counter set for one session (one browser tab). It
// survives page reloads; the run loop's in-memory state does not.
type Record struct {
	SessionID   string `json:"session_id"`
	UserStarted bool   `json:"user_started"`

	// ActionCount is successful actions on the current target. It resets only on rotation.
	ActionCount int `json:"action_count"`

	// ClickFailures and StuckElement count within one page load.
	ClickFailures int `json:"click_failures"`
	StuckElement  int `json:"stuck_element"`
	// EmptyDiscoveries counts reloaded page loads of the target where discovery found nothing.
	EmptyDiscoveries int `json:"empty_discoveries"`
	ReloadAttempts   int `json:"reload_attempts"`
	// ClickEpisodes counts click-failure escalations across reloads of one target.
	ClickEpisodes int `json:"click_episodes"`
	// FailedTargets counts consecutive targets abandoned as failed.
	FailedTargets int `json:"failed_targets"`

	Target  string `json:"target"`
	Ordinal int    `json:"ordinal"`

	LastActionAt time.Time `json:"last_action_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewRecord returns a zeroed record for id.
func NewRecord(id string) *Record {
	return &Record{SessionID: id}
}

// Clone returns an independent copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// ResetFailures clears every consecutive-failure counter after a success.
// ActionCount is kept.
func (r *Record) ResetFailures() {
	r.ClickFailures = 0
	r.EmptyDiscoveries = 0
	r.StuckElement = 0
	r.ReloadAttempts = 0
	r.ClickEpisodes = 0
	r.FailedTargets = 0
}

// BeginPageLoad clears the counters tied to the previous document. A reload
// gives fresh elements, so a new click-failure episode needs the full threshold.
func (r *Record) BeginPageLoad() {
	r.ClickFailures = 0
	r.StuckElement = 0
}

// RecordAction applies one verified successful action.
func (r *Record) RecordAction(at time.Time) {
	r.ActionCount++
	r.LastActionAt = at
	r.ResetFailures()
}

// EnterTarget moves the record onto a new target. failed carries over the
// consecutive failed-target count; completion of the previous target passes 0.
func (r *Record) EnterTarget(target string, ordinal, failed int) {
	r.ResetFailures()
	r.ActionCount = 0
	r.FailedTargets = failed
	r.Target = target
	r.Ordinal = ordinal
}

// TargetList is the shared ordered list of targets and the index currently worked.
type TargetList struct {
	Targets   []string  `json:"targets"`
	Index     int       `json:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Current returns the target at Index.
func (l *TargetList) Current() (string, bool) {
	if l == nil || l.Index < 0 || l.Index >= len(l.Targets) {
		return "", false
	}
	return l.Targets[l.Index], true
}

// Clone returns an independent copy.
func (l *TargetList) Clone() *TargetList {
	if l == nil {
		return nil
	}
	c := *l
	c.Targets = append([]string(nil), l.Targets...)
	return &c
}
