package request

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"signflow/artifact"
	"signflow/document"
	"signflow/signature"
	"signflow/storage/object"
	"signflow/token"
)

var (
	// ErrNotAuthorized signals a signer acting out of turn or an identity
	// that is not part of the request. Never retried.
	ErrNotAuthorized = errors.New("request: not authorized, wait for your turn")
	// ErrNotCompleted signals the artifact was requested before every
	// signer has signed.
	ErrNotCompleted = errors.New("request: not completed yet")
	// ErrUnavailable wraps store and object-storage I/O failures; callers
	// may retry with backoff.
	ErrUnavailable = errors.New("request: storage unavailable, retry later")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Store abstracts pgxpool.Pool: plain reads plus transaction boundaries.
type Store interface {
	document.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RequestRepository defines the data access the service needs for requests.
type RequestRepository interface {
	Create(ctx context.Context, tx pgx.Tx, params CreateParams) (SigningRequest, []RequiredSigner, error)
	GetByID(ctx context.Context, q document.Querier, id string) (SigningRequest, error)
	ListSigners(ctx context.Context, q document.Querier, requestID string) ([]RequiredSigner, error)
	ListByInitiator(ctx context.Context, q document.Querier, initiatorID string) ([]SigningRequest, error)
	ListBySigner(ctx context.Context, q document.Querier, identity string) ([]SigningRequest, error)
	RecordSignature(ctx context.Context, tx pgx.Tx, params RecordSignatureParams) (*time.Time, error)
	Cancel(ctx context.Context, tx pgx.Tx, id string) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// DocumentRepository defines the document rows access the service needs.
type DocumentRepository interface {
	Insert(ctx context.Context, q document.Querier, params document.InsertParams) (document.Document, error)
	GetByID(ctx context.Context, q document.Querier, id string) (document.Document, error)
	LatestByOriginalHash(ctx context.Context, q document.Querier, hash document.ContentHash) (document.Document, error)
	SetStatus(ctx context.Context, q document.Querier, id string, status document.Status) error
	SetArtifact(ctx context.Context, q document.Querier, id string, artifactKey string, signedHash document.ContentHash) error
}

// Assembler renders the final artifact once a request completes.
type Assembler interface {
	Assemble(params artifact.Params) (artifact.Result, error)
}

// Service is the signing engine: duplicate-guarded request creation, the
// turn-enforcing state machine, and completion-driven artifact assembly. It
// holds no per-request state; all coordination lives in the store.
type Service struct {
	store     Store
	repo      RequestRepository
	docs      DocumentRepository
	objects   object.Store
	assembler Assembler
	verify    func(digest, sig []byte, identity string) error
	logger    *zap.Logger
}

func NewService(store Store, objects object.Store, assembler Assembler, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		repo:      NewRepository(),
		docs:      document.NewRepository(),
		objects:   objects,
		assembler: assembler,
		verify:    signature.Verify,
		logger:    logger.Named("request"),
	}
}

// CreateRequestParams carries a new upload and its ordered signer list.
type CreateRequestParams struct {
	DocumentBytes    []byte
	InitiatorID      string
	SignerIdentities []string
	Description      string
	// Force confirms creation past a confirmable duplicate decision.
	Force bool
}

// RequestDetail bundles a request with its signers and document.
type RequestDetail struct {
	Request  SigningRequest
	Signers  []RequiredSigner
	Document document.Document
}

// CreateRequest runs the duplicate guard over the upload's content hash, then
// persists the document bytes, the document row, the request, and its signer
// list. The row writes share one transaction.
func (s *Service) CreateRequest(ctx context.Context, params CreateRequestParams) (RequestDetail, error) {
	if len(params.DocumentBytes) == 0 {
		return RequestDetail{}, fmt.Errorf("request: document bytes required")
	}
	if len(params.SignerIdentities) == 0 {
		return RequestDetail{}, fmt.Errorf("request: at least one signer required")
	}
	seen := make(map[string]bool, len(params.SignerIdentities))
	for _, identity := range params.SignerIdentities {
		if !signature.IsIdentity(identity) {
			return RequestDetail{}, fmt.Errorf("request: %q is not a valid signer identity", identity)
		}
		if seen[identity] {
			return RequestDetail{}, fmt.Errorf("request: duplicate signer %q", identity)
		}
		seen[identity] = true
	}

	hash := document.Hash(params.DocumentBytes)

	var prior *document.Document
	switch existing, err := s.docs.LatestByOriginalHash(ctx, s.store, hash); {
	case err == nil:
		prior = &existing
	case errors.Is(err, document.ErrNotFound):
		// first upload of these bytes
	default:
		return RequestDetail{}, unavailable("look up prior document", err)
	}

	if err := document.EvaluateDuplicate(prior, params.InitiatorID, params.Force); err != nil {
		return RequestDetail{}, err
	}

	storageKey := "documents/" + uuid.NewString()
	if _, err := s.objects.Put(ctx, storageKey, "application/octet-stream", bytes.NewReader(params.DocumentBytes)); err != nil {
		return RequestDetail{}, unavailable("store document bytes", err)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return RequestDetail{}, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	doc, err := s.docs.Insert(ctx, tx, document.InsertParams{
		StorageKey:   storageKey,
		OriginalHash: hash,
		UploaderID:   params.InitiatorID,
	})
	if err != nil {
		return RequestDetail{}, unavailable("insert document", err)
	}
	if err := s.docs.SetStatus(ctx, tx, doc.ID, document.StatusInProgress); err != nil {
		return RequestDetail{}, unavailable("set document status", err)
	}
	doc.Status = document.StatusInProgress

	req, signers, err := s.repo.Create(ctx, tx, CreateParams{
		DocumentID:       doc.ID,
		InitiatorID:      params.InitiatorID,
		Description:      params.Description,
		SignerIdentities: params.SignerIdentities,
	})
	if err != nil {
		if errors.Is(err, ErrActiveRequestExists) {
			return RequestDetail{}, err
		}
		return RequestDetail{}, unavailable("create request", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return RequestDetail{}, unavailable("commit create", err)
	}

	s.logger.Info("signing request created",
		zap.String("request_id", req.ID),
		zap.String("document_id", doc.ID),
		zap.Int("signers", len(signers)))

	return RequestDetail{Request: req, Signers: signers, Document: doc}, nil
}

// SignerView is the per-signer slice of a status response.
type SignerView struct {
	Identity string
	Order    int
	Status   SignerStatus
	SignedAt *time.Time
}

// StatusView answers status polling. Reads never block writers; pollers
// re-fetch rather than hold anything.
type StatusView struct {
	RequestID          string
	DocumentID         string
	Status             Status
	CurrentSignerIndex int
	Completed          bool
	CurrentSigner      *string
	Signers            []SignerView
}

// GetStatus reports the request's turn pointer and signer states.
func (s *Service) GetStatus(ctx context.Context, requestID string) (StatusView, error) {
	req, err := s.repo.GetByID(ctx, s.store, requestID)
	if err != nil {
		return StatusView{}, err
	}
	signers, err := s.repo.ListSigners(ctx, s.store, requestID)
	if err != nil {
		return StatusView{}, unavailable("list signers", err)
	}

	view := StatusView{
		RequestID:          req.ID,
		DocumentID:         req.DocumentID,
		Status:             req.Status,
		CurrentSignerIndex: req.CurrentSignerIndex,
		Completed:          req.Status == StatusCompleted,
	}
	for _, signer := range signers {
		view.Signers = append(view.Signers, SignerView{
			Identity: signer.SignerIdentity,
			Order:    signer.SigningOrder,
			Status:   signer.Status,
			SignedAt: signer.SignedAt,
		})
	}
	if req.Status == StatusPending && req.CurrentSignerIndex < len(signers) {
		view.CurrentSigner = &signers[req.CurrentSignerIndex].SignerIdentity
	}
	return view, nil
}

// SignResult reports the state after an accepted signature.
type SignResult struct {
	RequestID          string
	Status             Status
	Completed          bool
	CurrentSignerIndex int
	NextSigner         *string
}

// Sign validates the caller's turn and signature, then commits the combined
// mark-signed-and-advance update. A lost optimistic race returns ErrStaleTurn
// and is never retried here; the caller must re-fetch status first. The final
// accepted signature also completes the request and triggers assembly.
func (s *Service) Sign(ctx context.Context, requestID, signerIdentity string, sig []byte) (SignResult, error) {
	req, err := s.repo.GetByID(ctx, s.store, requestID)
	if err != nil {
		return SignResult{}, err
	}
	if req.Status != StatusPending {
		return SignResult{}, fmt.Errorf("%w: request is %s", ErrNotAuthorized, req.Status)
	}

	signers, err := s.repo.ListSigners(ctx, s.store, requestID)
	if err != nil {
		return SignResult{}, unavailable("list signers", err)
	}
	if req.CurrentSignerIndex < 0 || req.CurrentSignerIndex >= len(signers) {
		return SignResult{}, fmt.Errorf("%w: no pending turn", ErrNotAuthorized)
	}

	current := signers[req.CurrentSignerIndex]
	if current.Status != SignerPending || current.SignerIdentity != signerIdentity {
		return SignResult{}, fmt.Errorf("%w: it is %s's turn", ErrNotAuthorized, current.SignerIdentity)
	}

	doc, err := s.docs.GetByID(ctx, s.store, req.DocumentID)
	if err != nil {
		return SignResult{}, unavailable("load document", err)
	}

	// Signers always sign the original upload's hash, never an intermediate
	// artifact, so earlier signatures stay verifiable.
	digest, err := doc.OriginalHash.Digest()
	if err != nil {
		return SignResult{}, fmt.Errorf("request: document hash: %w", err)
	}
	if err := s.verify(digest, sig, signerIdentity); err != nil {
		return SignResult{}, err
	}

	next := -1
	for i := req.CurrentSignerIndex + 1; i < len(signers); i++ {
		if signers[i].Status == SignerPending {
			next = i
			break
		}
	}
	complete := next == -1
	nextIndex := next
	if complete {
		nextIndex = len(signers)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return SignResult{}, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	completedAt, err := s.repo.RecordSignature(ctx, tx, RecordSignatureParams{
		RequestID:     req.ID,
		SignerID:      current.ID,
		Signature:     sig,
		ExpectedIndex: req.CurrentSignerIndex,
		NextIndex:     nextIndex,
		Complete:      complete,
	})
	if err != nil {
		return SignResult{}, err
	}

	if complete {
		if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicCompleted, map[string]any{
			"request_id":  req.ID,
			"document_id": req.DocumentID,
		}); err != nil {
			return SignResult{}, unavailable("enqueue outbox", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return SignResult{}, unavailable("commit sign", err)
	}

	result := SignResult{
		RequestID:          req.ID,
		Status:             StatusPending,
		Completed:          complete,
		CurrentSignerIndex: nextIndex,
	}
	if !complete {
		result.NextSigner = &signers[next].SignerIdentity
		return result, nil
	}
	result.Status = StatusCompleted

	// Reflect the accepted signature so the artifact shows it.
	signers[req.CurrentSignerIndex].Status = SignerSigned
	signers[req.CurrentSignerIndex].Signature = sig
	signers[req.CurrentSignerIndex].SignedAt = completedAt
	req.Status = StatusCompleted
	req.CompletedAt = completedAt

	// Assembly failure must not roll back the accepted signature: the state
	// change above is already committed, and GetArtifact retries assembly
	// lazily until it succeeds.
	if err := s.finalize(ctx, req, doc, signers); err != nil {
		s.logger.Error("artifact assembly failed, will retry on fetch",
			zap.String("request_id", req.ID),
			zap.Error(err))
	}

	return result, nil
}

// finalize assembles the artifact, stores it, and records the signed hash on
// the document row as one set-once update. Safe to call twice: the loser of
// the set-once update discards its output.
func (s *Service) finalize(ctx context.Context, req SigningRequest, doc document.Document, signers []RequiredSigner) error {
	original, err := object.ReadAll(ctx, s.objects, doc.StorageKey)
	if err != nil {
		return unavailable("read original bytes", err)
	}

	blocks := make([]artifact.SignerBlock, 0, len(signers))
	for _, signer := range signers {
		blocks = append(blocks, artifact.SignerBlock{
			Identity: signer.SignerIdentity,
			Signed:   signer.Status == SignerSigned,
			SignedAt: signer.SignedAt,
		})
	}

	params := artifact.Params{
		Title:        req.Description,
		DocumentHash: doc.OriginalHash.String(),
		Token:        token.Build(req.ID),
		PageCount:    artifact.PageCount(original),
		Signers:      blocks,
	}
	if req.CompletedAt != nil {
		params.CompletedAt = *req.CompletedAt
	}

	res, err := s.assembler.Assemble(params)
	if err != nil {
		return fmt.Errorf("request: assemble artifact: %w", err)
	}
	if len(res.Degraded) > 0 {
		s.logger.Warn("artifact assembled with fallback signature blocks",
			zap.String("request_id", req.ID),
			zap.Strings("degraded_signers", res.Degraded))
	}

	artifactKey := "artifacts/" + req.ID + ".pdf"
	if _, err := s.objects.Put(ctx, artifactKey, "application/pdf", bytes.NewReader(res.Bytes)); err != nil {
		return unavailable("store artifact", err)
	}

	signedHash := document.Hash(res.Bytes)
	if err := s.docs.SetArtifact(ctx, s.store, doc.ID, artifactKey, signedHash); err != nil {
		if errors.Is(err, document.ErrArtifactAlreadySet) {
			return nil
		}
		return unavailable("record artifact", err)
	}

	s.logger.Info("artifact assembled",
		zap.String("request_id", req.ID),
		zap.String("signed_hash", signedHash.String()))
	return nil
}

// GetArtifact returns the final document bytes, assembling them first if a
// prior attempt failed. Available only once the request is completed.
func (s *Service) GetArtifact(ctx context.Context, requestID string) ([]byte, error) {
	req, err := s.repo.GetByID(ctx, s.store, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusCompleted {
		return nil, ErrNotCompleted
	}

	doc, err := s.docs.GetByID(ctx, s.store, req.DocumentID)
	if err != nil {
		return nil, unavailable("load document", err)
	}

	if doc.ArtifactKey == nil {
		signers, err := s.repo.ListSigners(ctx, s.store, requestID)
		if err != nil {
			return nil, unavailable("list signers", err)
		}
		if err := s.finalize(ctx, req, doc, signers); err != nil {
			return nil, err
		}
		doc, err = s.docs.GetByID(ctx, s.store, req.DocumentID)
		if err != nil {
			return nil, unavailable("reload document", err)
		}
		if doc.ArtifactKey == nil {
			return nil, unavailable("artifact missing after assembly", errors.New("no artifact key"))
		}
	}

	data, err := object.ReadAll(ctx, s.objects, *doc.ArtifactKey)
	if err != nil {
		return nil, unavailable("read artifact", err)
	}
	return data, nil
}

// Cancel transitions a pending request to cancelled. Initiator only.
func (s *Service) Cancel(ctx context.Context, requestID, callerID string) error {
	req, err := s.repo.GetByID(ctx, s.store, requestID)
	if err != nil {
		return err
	}
	if req.InitiatorID != callerID {
		return fmt.Errorf("%w: only the initiator may cancel", ErrNotAuthorized)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Cancel(ctx, tx, requestID); err != nil {
		return err
	}
	if err := s.docs.SetStatus(ctx, tx, req.DocumentID, document.StatusCancelled); err != nil {
		return unavailable("set document status", err)
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicCancelled, map[string]any{
		"request_id":  req.ID,
		"document_id": req.DocumentID,
	}); err != nil {
		return unavailable("enqueue outbox", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit cancel", err)
	}
	return nil
}

// ListByInitiator returns the caller's own requests.
func (s *Service) ListByInitiator(ctx context.Context, initiatorID string) ([]SigningRequest, error) {
	out, err := s.repo.ListByInitiator(ctx, s.store, initiatorID)
	if err != nil {
		return nil, unavailable("list by initiator", err)
	}
	return out, nil
}

// ListBySigner returns the requests naming the identity as a signer.
func (s *Service) ListBySigner(ctx context.Context, identity string) ([]SigningRequest, error) {
	out, err := s.repo.ListBySigner(ctx, s.store, identity)
	if err != nil {
		return nil, unavailable("list by signer", err)
	}
	return out, nil
}
