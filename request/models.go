package request

import "time"

// Status is the signing request lifecycle. Completed and cancelled are
// terminal; cancelled is reachable from pending only.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// SignerStatus may only transition pending -> signed, never backward.
type SignerStatus string

const (
	SignerPending SignerStatus = "pending"
	SignerSigned  SignerStatus = "signed"
)

// SigningRequest coordinates one document through an ordered list of signers.
// CurrentSignerIndex always points at the lowest-ordered pending signer, or
// runs out of range once everyone has signed.
type SigningRequest struct {
	ID                 string
	DocumentID         string
	InitiatorID        string
	Description        string
	CurrentSignerIndex int
	Status             Status
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// RequiredSigner is one slot in a request's signing sequence. SigningOrder is
// unique per request; Signature and SignedAt stay null until the signer acts.
type RequiredSigner struct {
	ID             string
	RequestID      string
	SignerIdentity string
	SigningOrder   int
	Status         SignerStatus
	Signature      []byte
	SignedAt       *time.Time
}

const (
	// OutboxTopicCompleted is published when the final signer completes a
	// request.
	OutboxTopicCompleted = "signing.completed"
	// OutboxTopicCancelled is published when the initiator cancels a
	// pending request.
	OutboxTopicCancelled = "signing.cancelled"
)
