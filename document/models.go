package document

import "time"

// Status mirrors the owning signing request's lifecycle for display and for
// the duplicate guard's decision table.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
)

// Document is the durable record for an uploaded file. SignedHash and
// ArtifactKey are set exactly once, by the artifact assembler, after the
// owning request completes.
type Document struct {
	ID           string
	StorageKey   string
	OriginalHash ContentHash
	SignedHash   *ContentHash
	ArtifactKey  *string
	Status       Status
	UploaderID   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
