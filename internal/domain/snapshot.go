package domain

import "time"

// Snapshot is an immutable point-in-time capture of a project's file set.
// Rows are only ever created or read. A Run holds a weak back-reference to
// its snapshot; deleting the Run never deletes the snapshot.
type Snapshot struct {
	ID        string
	ProjectID string
	Reason    string
	BlobKey   string
	FileCount int
	SizeBytes int64
	CreatedAt time.Time
}
