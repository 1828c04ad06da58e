package policy_test

import (
	"context"
	"testing"

	"github.com/postloop/core/internal/domain/schedule"
	"github.com/postloop/core/internal/policy"
)

type fakeSessions struct {
	status policy.SessionStatus
	err    error
}

func (f fakeSessions) SessionStatus(ctx context.Context, userID string) (policy.SessionStatus, error) {
	return f.status, f.err
}

type fakeUsage struct {
	count int
	err   error
}

func (f fakeUsage) PostsToday(ctx context.Context, userID string) (int, error) {
	return f.count, f.err
}

type fakeDuplicates struct {
	dup bool
	err error
}

func (f fakeDuplicates) HasNonTerminalCreatePost(ctx context.Context, userID, templateID string) (bool, error) {
	return f.dup, f.err
}

func baseSchedule() schedule.Schedule {
	return schedule.Schedule{
		ID:             "sched-1",
		UserID:         "user-1",
		TemplateID:     "tmpl-1",
		AdminStatus:    schedule.AdminApproved,
		UserEnabled:    true,
		MaxPostsPerDay: 3,
	}
}

func TestGate_Evaluate(t *testing.T) {
	tests := []struct {
		name       string
		sessions   fakeSessions
		usage      fakeUsage
		duplicates fakeDuplicates
		mutate     func(*schedule.Schedule)
		wantBlock  policy.BlockCode
		wantAllow  bool
	}{
		{
			name:      "allowed",
			sessions:  fakeSessions{status: policy.SessionHealthy},
			usage:     fakeUsage{count: 0},
			wantAllow: true,
		},
		{
			name:      "session_expired_blocks_before_admin_check",
			sessions:  fakeSessions{status: policy.SessionExpired},
			mutate:    func(s *schedule.Schedule) { s.AdminStatus = schedule.AdminBanned },
			wantBlock: policy.BlockSessionExpired,
		},
		{
			name:      "challenge_required",
			sessions:  fakeSessions{status: policy.SessionChallengeRequired},
			wantBlock: policy.BlockSessionChallenge,
		},
		{
			name:      "session_error",
			sessions:  fakeSessions{status: policy.SessionError},
			wantBlock: policy.BlockSessionError,
		},
		{
			name:      "expiring_session_still_allowed",
			sessions:  fakeSessions{status: policy.SessionExpiring},
			wantAllow: true,
		},
		{
			name:      "admin_suspended",
			sessions:  fakeSessions{status: policy.SessionHealthy},
			mutate:    func(s *schedule.Schedule) { s.AdminStatus = schedule.AdminSuspended },
			wantBlock: policy.BlockAdminSuspended,
		},
		{
			name:      "admin_banned",
			sessions:  fakeSessions{status: policy.SessionHealthy},
			mutate:    func(s *schedule.Schedule) { s.AdminStatus = schedule.AdminBanned },
			wantBlock: policy.BlockAdminBanned,
		},
		{
			name:      "admin_needs_review",
			sessions:  fakeSessions{status: policy.SessionHealthy},
			mutate:    func(s *schedule.Schedule) { s.AdminStatus = schedule.AdminNeedsReview },
			wantBlock: policy.BlockAdminNotApproved,
		},
		{
			name:      "user_disabled",
			sessions:  fakeSessions{status: policy.SessionHealthy},
			mutate:    func(s *schedule.Schedule) { s.UserEnabled = false },
			wantBlock: policy.BlockUserDisabled,
		},
		{
			name:      "daily_limit_reached",
			sessions:  fakeSessions{status: policy.SessionHealthy},
			usage:     fakeUsage{count: 3},
			wantBlock: policy.BlockDailyLimit,
		},
		{
			name:       "duplicate_blocks",
			sessions:   fakeSessions{status: policy.SessionHealthy},
			usage:      fakeUsage{count: 0},
			duplicates: fakeDuplicates{dup: true},
			wantBlock:  policy.BlockDuplicate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := baseSchedule()
			if tt.mutate != nil {
				tt.mutate(&s)
			}

			gate := policy.New(tt.sessions, tt.usage, tt.duplicates, 5)
			decision, err := gate.Evaluate(t.Context(), s)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if decision.Allowed != tt.wantAllow {
				t.Fatalf("got allowed=%v, want %v", decision.Allowed, tt.wantAllow)
			}
			if !tt.wantAllow && decision.Block != tt.wantBlock {
				t.Fatalf("got block=%s, want %s", decision.Block, tt.wantBlock)
			}
		})
	}
}

func TestGate_ShouldAutoSuspend(t *testing.T) {
	gate := policy.New(fakeSessions{}, fakeUsage{}, fakeDuplicates{}, 5)

	if gate.ShouldAutoSuspend(4) {
		t.Fatal("4 consecutive failures should not cross a threshold of 5")
	}
	if !gate.ShouldAutoSuspend(5) {
		t.Fatal("5 consecutive failures should cross a threshold of 5")
	}
}

func TestGate_New_DefaultsThreshold(t *testing.T) {
	gate := policy.New(fakeSessions{}, fakeUsage{}, fakeDuplicates{}, 0)
	if gate.Threshold() != policy.DefaultAutoSuspendThreshold {
		t.Fatalf("got threshold=%d, want default %d", gate.Threshold(), policy.DefaultAutoSuspendThreshold)
	}
}
