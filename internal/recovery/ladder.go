// Package recovery owns the escalation policy applied when a page stalls:
// retry, soft recovery, reload, target rotation and permanent stop.
package recovery

import (
	"fmt"

	"github.com/xkilldash9x/sweep-cli/internal/config"
	"github.com/xkilldash9x/sweep-cli/internal/store"
)

// Tier is one rung of the ladder, in escalating order.
type Tier int

const (
	TierNone Tier = iota
	// TierRetry pauses briefly and rescans.
	TierRetry
	// TierSoft nudges the page down then up and rescans.
	TierSoft
	// TierReload reloads the page; the loop resumes only if the user started the session.
	TierReload
	// TierRotate abandons the current target and moves to the next.
	TierRotate
	// TierStop halts the loop. Decision.Permanent says whether auto-resume is disabled too.
	TierStop
)

func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierRetry:
		return "retry"
	case TierSoft:
		return "soft_recovery"
	case TierReload:
		return "reload"
	case TierRotate:
		return "rotate"
	case TierStop:
		return "stop"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Cause is why the loop entered the ladder.
type Cause int

const (
	// CauseEmpty means discovery found no candidates.
	CauseEmpty Cause = iota + 1
	// CauseClickBlocked means consecutive interaction failures crossed the threshold.
	CauseClickBlocked
)

func (c Cause) String() string {
	switch c {
	case CauseEmpty:
		return "empty"
	case CauseClickBlocked:
		return "click_blocked"
	default:
		return fmt.Sprintf("cause(%d)", int(c))
	}
}

// Policy holds every bound the ladder enforces.
type Policy struct {
	// RetryBound is how many Retry rungs an empty episode may take.
	RetryBound int
	// SoftBound is how many soft recoveries an episode may take before reload.
	SoftBound int
	// ReloadCap is how many reloads a target gets before it is judged failed.
	ReloadCap int
	// ClickEpisodeCap rotates the target once this many click-blocked episodes happened on it.
	ClickEpisodeCap int
	// EmptyAfterReloadCap rotates once discovery came up empty on this many
	// reloaded page loads of the target. Zero disables the rule.
	EmptyAfterReloadCap int
	// FailedTargetCap stops permanently once this many consecutive targets failed.
	FailedTargetCap int
}

// PolicyFromConfig maps the recovery section of the engine config.
func PolicyFromConfig(cfg config.RecoveryConfig) Policy {
	return Policy{
		RetryBound:          cfg.RetryBound,
		SoftBound:           cfg.SoftBound,
		ReloadCap:           cfg.ReloadCap,
		ClickEpisodeCap:     cfg.ClickEpisodeCap,
		EmptyAfterReloadCap: cfg.EmptyAfterReloadCap,
		FailedTargetCap:     cfg.FailedTargetCap,
	}
}

// Decision is what the loop must do next.
type Decision struct {
	Tier   Tier
	Reason string
	// Permanent is set on a stop that also cleared the user-started flag.
	Permanent bool
	// Attempt is the 1-based count within Tier (retry, soft, reload).
	Attempt int
}

// Ladder tracks one stall episode within a single page load. The durable
// counters it reads and updates live on the store.Record; the per-tier
// attempt counts are in memory because a reload starts a new page load anyway.
type Ladder struct {
	policy   Policy
	position int
	cause    Cause
	retries  int
	softs    int
}

// NewLadder creates a ladder at position zero.
func NewLadder(p Policy) *Ladder {
	return &Ladder{policy: p}
}

// Position is how many rungs have been taken since the last success.
func (l *Ladder) Position() int { return l.position }

// Cause is the cause of the current episode, zero when idle.
func (l *Ladder) Cause() Cause { return l.cause }

// Reset returns the ladder to position zero after a success and clears every
// consecutive-failure counter on rec. The action count is untouched.
func (l *Ladder) Reset(rec *store.Record) {
	l.position = 0
	l.cause = 0
	l.retries = 0
	l.softs = 0
	if rec != nil {
		rec.ResetFailures()
	}
}

// Escalate takes the next rung for cause and updates rec's durable counters.
// Each rung is taken at most its configured bound before the next is considered.
func (l *Ladder) Escalate(rec *store.Record, cause Cause) Decision {
	episodeStart := l.position == 0 || l.cause != cause
	l.position++
	l.cause = cause

	switch cause {
	case CauseEmpty:
		// Only pages that were reloaded count; the first load gets the full ladder.
		if episodeStart && rec.ReloadAttempts > 0 {
			rec.EmptyDiscoveries++
			if l.policy.EmptyAfterReloadCap > 0 && rec.EmptyDiscoveries >= l.policy.EmptyAfterReloadCap {
				return l.rotate(rec, fmt.Sprintf("no candidates on %d reloaded page loads", rec.EmptyDiscoveries))
			}
		}
		if l.retries < l.policy.RetryBound {
			l.retries++
			return Decision{Tier: TierRetry, Reason: "no candidates", Attempt: l.retries}
		}
	case CauseClickBlocked:
		// The threshold of local failures already served as the retry rung.
		if episodeStart {
			rec.ClickEpisodes++
		}
		if l.policy.ClickEpisodeCap > 0 && rec.ClickEpisodes >= l.policy.ClickEpisodeCap {
			return l.rotate(rec, fmt.Sprintf("interaction blocked in %d consecutive episodes", rec.ClickEpisodes))
		}
	}

	if l.softs < l.policy.SoftBound {
		l.softs++
		return Decision{Tier: TierSoft, Reason: cause.String(), Attempt: l.softs}
	}
	return l.reload(rec)
}

func (l *Ladder) reload(rec *store.Record) Decision {
	if !rec.UserStarted {
		// Reloading without consent would orphan the session.
		return Decision{Tier: TierStop, Reason: "reload needed but session was not started by the user"}
	}
	if rec.ReloadAttempts >= l.policy.ReloadCap {
		return l.rotate(rec, fmt.Sprintf("reload cap of %d exhausted", l.policy.ReloadCap))
	}
	rec.ReloadAttempts++
	return Decision{Tier: TierReload, Reason: "persistent stall", Attempt: rec.ReloadAttempts}
}

// rotate judges the current target failed.
func (l *Ladder) rotate(rec *store.Record, reason string) Decision {
	rec.FailedTargets++
	if l.policy.FailedTargetCap > 0 && rec.FailedTargets >= l.policy.FailedTargetCap {
		rec.UserStarted = false
		return Decision{
			Tier:      TierStop,
			Permanent: true,
			Reason:    fmt.Sprintf("%s; %d consecutive targets failed", reason, rec.FailedTargets),
		}
	}
	return Decision{Tier: TierRotate, Reason: reason}
}

// Complete is the decision for a target that has nothing left to act on. It
// rotates without counting the target as failed.
func (l *Ladder) Complete(rec *store.Record, reason string) Decision {
	l.position = 0
	l.cause = 0
	rec.FailedTargets = 0
	return Decision{Tier: TierRotate, Reason: reason}
}

// Exhausted is the permanent stop issued when there is no next target.
func Exhausted(rec *store.Record) Decision {
	rec.UserStarted = false
	return Decision{Tier: TierStop, Permanent: true, Reason: "no more targets"}
}

// ProactiveReloadDue reports whether the action count crossed a multiple of
// every between prev and cur. every <= 0 disables proactive reloads.
func ProactiveReloadDue(prev, cur, every int) bool {
	if every <= 0 || cur <= prev {
		return false
	}
	return cur/every > prev/every
}

// LimitCrossed reports whether the action count reached limit between prev and cur.
// limit <= 0 means unlimited.
func LimitCrossed(prev, cur, limit int) bool {
	return limit > 0 && prev < limit && cur >= limit
}
