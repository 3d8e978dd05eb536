package domain

import "time"

// Project describes a deployable unit. Ownership and billing live in the
// platform's main application; the control plane only reads these rows.
type Project struct {
	ID           string
	OwnerID      string
	Name         string
	RepoURL      string
	BuildCommand string
	CreatedAt    time.Time
}

// ProjectFile is one file in a project's working set, the unit captured by
// snapshots.
type ProjectFile struct {
	ProjectID string
	Path      string
	Content   []byte
	UpdatedAt time.Time
}
