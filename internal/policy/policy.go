// Package policy implements the Policy Gate (C5): the pre-enqueue
// predicate combining admin approval, session health, daily limits
// and duplicate suppression, per spec.md §4.5.
package policy

import (
	"context"

	"github.com/postloop/core/internal/domain/schedule"
)

// SessionStatus is the owner's third-party-site session health, read
// from outside this core (session management itself is out of
// scope, §1).
type SessionStatus string

const (
	SessionHealthy            SessionStatus = "HEALTHY"
	SessionExpiring           SessionStatus = "EXPIRING"
	SessionExpired            SessionStatus = "EXPIRED"
	SessionChallengeRequired  SessionStatus = "CHALLENGE_REQUIRED"
	SessionError              SessionStatus = "ERROR"
)

// BlockCode is the closed set of reasons the gate blocks a Schedule,
// per spec.md §4.5.
type BlockCode string

const (
	BlockUserDisabled      BlockCode = "USER_DISABLED"
	BlockAdminNotApproved  BlockCode = "ADMIN_NOT_APPROVED"
	BlockAdminSuspended    BlockCode = "ADMIN_SUSPENDED"
	BlockAdminBanned       BlockCode = "ADMIN_BANNED"
	BlockSessionExpired    BlockCode = "SESSION_EXPIRED"
	BlockSessionChallenge  BlockCode = "SESSION_CHALLENGE"
	BlockSessionError      BlockCode = "SESSION_ERROR"
	BlockDailyLimit        BlockCode = "DAILY_LIMIT"
	BlockDuplicate         BlockCode = "DUPLICATE"
)

// DefaultAutoSuspendThreshold is the "threshold (default 5)" from
// spec.md §4.5.
const DefaultAutoSuspendThreshold = 5

// SessionReader reads the owning user's session health. It is backed
// by whatever service owns the third-party session (out of scope).
type SessionReader interface {
	SessionStatus(ctx context.Context, userID string) (SessionStatus, error)
}

// UsageReader counts today's executed posts for a user, used for the
// DAILY_LIMIT check.
type UsageReader interface {
	PostsToday(ctx context.Context, userID string) (int, error)
}

// DuplicateChecker backs the DUPLICATE check; internal/queue.Queue
// satisfies it.
type DuplicateChecker interface {
	HasNonTerminalCreatePost(ctx context.Context, userID, templateID string) (bool, error)
}

type Gate struct {
	sessions   SessionReader
	usage      UsageReader
	duplicates DuplicateChecker
	threshold  int
}

func New(sessions SessionReader, usage UsageReader, duplicates DuplicateChecker, threshold int) *Gate {
	if threshold <= 0 {
		threshold = DefaultAutoSuspendThreshold
	}
	return &Gate{sessions: sessions, usage: usage, duplicates: duplicates, threshold: threshold}
}

// Decision is the gate's verdict for one Schedule at one evaluation.
type Decision struct {
	Allowed bool
	Block   BlockCode
}

// Evaluate runs every predicate in spec.md §4.5, short-circuiting on
// the first failure in the order listed there.
func (g *Gate) Evaluate(ctx context.Context, s schedule.Schedule) (Decision, error) {
	status, err := g.sessions.SessionStatus(ctx, s.UserID)
	if err != nil {
		return Decision{}, err
	}
	switch status {
	case SessionExpired:
		return Decision{Block: BlockSessionExpired}, nil
	case SessionChallengeRequired:
		return Decision{Block: BlockSessionChallenge}, nil
	case SessionError:
		return Decision{Block: BlockSessionError}, nil
	}
	// HEALTHY and EXPIRING both pass.

	switch s.AdminStatus {
	case schedule.AdminApproved:
		// continue
	case schedule.AdminSuspended:
		return Decision{Block: BlockAdminSuspended}, nil
	case schedule.AdminBanned:
		return Decision{Block: BlockAdminBanned}, nil
	default:
		return Decision{Block: BlockAdminNotApproved}, nil
	}

	if !s.UserEnabled {
		return Decision{Block: BlockUserDisabled}, nil
	}

	if s.MaxPostsPerDay > 0 {
		count, err := g.usage.PostsToday(ctx, s.UserID)
		if err != nil {
			return Decision{}, err
		}
		if count >= s.MaxPostsPerDay {
			return Decision{Block: BlockDailyLimit}, nil
		}
	}

	dup, err := g.duplicates.HasNonTerminalCreatePost(ctx, s.UserID, s.TemplateID)
	if err != nil {
		return Decision{}, err
	}
	if dup {
		return Decision{Block: BlockDuplicate}, nil
	}

	return Decision{Allowed: true}, nil
}

// Threshold exposes the configured auto-suspend threshold so callers
// that own the RecordFailure side of the counter (internal/planner)
// can pass it through to the relational update.
func (g *Gate) Threshold() int { return g.threshold }

// ShouldAutoSuspend reports whether a Schedule's consecutiveFailures
// has crossed the gate's threshold (spec.md §4.5's AUTO_SUSPEND
// policy). A successful job resets the counter; callers are
// responsible for that reset, this only judges the threshold.
func (g *Gate) ShouldAutoSuspend(consecutiveFailures int) bool {
	return consecutiveFailures >= g.threshold
}
