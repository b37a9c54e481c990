package document

import (
	"errors"
	"testing"
)

func guardAction(t *testing.T, err error) DuplicateAction {
	t.Helper()
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateError, got %v", err)
	}
	if !errors.Is(err, ErrDuplicateDocument) {
		t.Fatal("DuplicateError must unwrap to ErrDuplicateDocument")
	}
	return dup.Action
}

func TestEvaluateDuplicate_NoPrior(t *testing.T) {
	if err := EvaluateDuplicate(nil, "alice", false); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
}

func TestEvaluateDuplicate_Completed(t *testing.T) {
	prior := &Document{ID: "doc-1", Status: StatusCompleted, UploaderID: "alice"}

	err := EvaluateDuplicate(prior, "bob", false)
	if got := guardAction(t, err); got != ActionBlock {
		t.Fatalf("expected block, got %s", got)
	}

	// Completed has no override.
	err = EvaluateDuplicate(prior, "bob", true)
	if got := guardAction(t, err); got != ActionBlock {
		t.Fatalf("expected block even with force, got %s", got)
	}
}

func TestEvaluateDuplicate_InProgressSameUploader(t *testing.T) {
	prior := &Document{ID: "doc-1", Status: StatusInProgress, UploaderID: "alice"}

	err := EvaluateDuplicate(prior, "alice", true)
	if got := guardAction(t, err); got != ActionBlock {
		t.Fatalf("expected block for same uploader, got %s", got)
	}
}

func TestEvaluateDuplicate_Confirmable(t *testing.T) {
	cases := []struct {
		name     string
		prior    *Document
		uploader string
	}{
		{"in progress, different uploader", &Document{Status: StatusInProgress, UploaderID: "alice"}, "bob"},
		{"merely uploaded", &Document{Status: StatusUploaded, UploaderID: "alice"}, "alice"},
		{"rejected", &Document{Status: StatusRejected, UploaderID: "alice"}, "alice"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := EvaluateDuplicate(tc.prior, tc.uploader, false)
			if got := guardAction(t, err); got != ActionConfirm {
				t.Fatalf("expected confirm, got %s", got)
			}
			if err := EvaluateDuplicate(tc.prior, tc.uploader, true); err != nil {
				t.Fatalf("force should allow, got %v", err)
			}
		})
	}
}

func TestEvaluateDuplicate_CancelledAllows(t *testing.T) {
	prior := &Document{Status: StatusCancelled, UploaderID: "alice"}
	if err := EvaluateDuplicate(prior, "alice", false); err != nil {
		t.Fatalf("cancelled prior should allow, got %v", err)
	}
}
