package document

import (
	"errors"
	"fmt"
)

// DuplicateAction is the machine-readable outcome of the duplicate guard.
type DuplicateAction string

const (
	// ActionAllow lets the upload proceed and create a new request.
	ActionAllow DuplicateAction = "allow"
	// ActionConfirm requires the caller to retry with an explicit force flag.
	ActionConfirm DuplicateAction = "confirm"
	// ActionBlock rejects the upload with no override.
	ActionBlock DuplicateAction = "block"
)

// ErrDuplicateDocument is the sentinel wrapped by every guard rejection.
var ErrDuplicateDocument = errors.New("document: duplicate document")

// DuplicateError carries the guard's decision so callers can distinguish a
// hard block from a confirmable warning.
type DuplicateError struct {
	Action  DuplicateAction
	Reason  string
	PriorID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("document: duplicate document (%s): %s", e.Action, e.Reason)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateDocument }

// EvaluateDuplicate is the pure decision function over the most recent stored
// document sharing a new upload's content hash. It performs no writes.
//
// Decision table:
//   - no prior match, or prior cancelled: allow.
//   - prior completed: block, the document was already fully executed.
//   - prior in progress by the same uploader: block, resume the existing
//     workflow instead.
//   - prior in progress by a different uploader, or prior merely uploaded or
//     rejected: allow only with an explicit force confirmation.
func EvaluateDuplicate(prior *Document, uploaderID string, force bool) error {
	if prior == nil || prior.Status == StatusCancelled {
		return nil
	}

	switch prior.Status {
	case StatusCompleted:
		return &DuplicateError{
			Action:  ActionBlock,
			Reason:  "this document was already fully executed; verify the final artifact instead of re-uploading",
			PriorID: prior.ID,
		}
	case StatusInProgress:
		if uploaderID != "" && prior.UploaderID == uploaderID {
			return &DuplicateError{
				Action:  ActionBlock,
				Reason:  "you already have a signing workflow in progress for this document; resume it instead",
				PriorID: prior.ID,
			}
		}
	}

	// uploaded, rejected, or someone else's in-progress workflow: confirmable.
	if force {
		return nil
	}
	return &DuplicateError{
		Action:  ActionConfirm,
		Reason:  "an identical document already exists; pass force to create a new signing request anyway",
		PriorID: prior.ID,
	}
}
