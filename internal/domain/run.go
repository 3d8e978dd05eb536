package domain

import "time"

// Run is an ephemeral, TTL-bounded sandbox instance. Distinct from a
// Deployment: a Run exists for live development and testing, not promotion.
type Run struct {
	ID            string
	ProjectID     string
	Branch        string
	CreatedBy     string
	Status        string
	URL           string
	Error         string
	SandboxID     string
	SnapshotID    *string
	SnapshotError string
	EstimatedCost float64
	EnvVars       map[string]string
	Public        bool
	TTLMinutes    int
	StartsAt      time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RunStatusUpdate captures mutable fields for a run row.
type RunStatusUpdate struct {
	RunID  string
	Status string
	URL    string
	Error  string
}

// ExpiresAt returns the instant the run's TTL elapses.
func (r Run) ExpiresAt() time.Time {
	return r.StartsAt.Add(time.Duration(r.TTLMinutes) * time.Minute)
}

// Expired reports whether the run's TTL has elapsed at the given instant.
// The cached status field plays no part: a stale "running" row is still
// expired once the clock says so.
func (r Run) Expired(now time.Time) bool {
	return r.TTLMinutes > 0 && now.After(r.ExpiresAt())
}
