package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// JobStatusKey scopes the status cache by owner so one user's poll can
// never surface another user's job.
func JobStatusKey(userID, jobID uuid.UUID) string {
	return fmt.Sprintf("user:%s:job:%s:status", userID, jobID)
}

// StatsKey scopes the statistics cache. userID is nil for the system-wide
// aggregate.
func StatsKey(userID *uuid.UUID) string {
	if userID == nil {
		return "stats:all"
	}
	return fmt.Sprintf("stats:user:%s", userID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
