package policy

import "context"

// AlwaysHealthySessionReader is the wiring default when no real
// session-management service (out of scope, spec.md §1) is
// configured: every user reads as HEALTHY, so the gate's session
// check never blocks on its own. Swap in a real SessionReader once
// the session service exists.
type AlwaysHealthySessionReader struct{}

func (AlwaysHealthySessionReader) SessionStatus(ctx context.Context, userID string) (SessionStatus, error) {
	return SessionHealthy, nil
}

// ZeroUsageReader is the wiring default when no real usage-tracking
// service is configured: every user reads as having posted zero times
// today, so the DAILY_LIMIT check never blocks on its own.
type ZeroUsageReader struct{}

func (ZeroUsageReader) PostsToday(ctx context.Context, userID string) (int, error) {
	return 0, nil
}
