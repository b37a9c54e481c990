package verification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ledongthuc "github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"signflow/document"
	"signflow/request"
	"signflow/signature"
	"signflow/token"
)

// ErrNotRecognized is returned when neither hash resolution nor the embedded
// token fallback can tie the submitted bytes to a known document.
var ErrNotRecognized = errors.New("verification: document not recognized")

// MatchKind reports which stored hash the submitted bytes resolved against.
type MatchKind string

const (
	// MatchOriginal means the bytes equal the originally uploaded file.
	MatchOriginal MatchKind = "original"
	// MatchSigned means the bytes equal the assembled artifact.
	MatchSigned MatchKind = "signed"
	// MatchToken means the bytes matched nothing but carried an embedded
	// verification token; the submission was altered after assembly.
	MatchToken MatchKind = "token"
)

// SignerCheck is one signer's entry in a verification result, ordered by
// signing order.
type SignerCheck struct {
	Identity       string     `json:"identity"`
	Order          int        `json:"order"`
	Signed         bool       `json:"signed"`
	SignatureValid bool       `json:"signature_valid"`
	SignedAt       *time.Time `json:"signed_at,omitempty"`
}

// Result is the full verification report for a submission or token lookup.
// Valid is the conjunction over all signers: one bad or missing signature
// fails the whole document.
type Result struct {
	DocumentID   string         `json:"document_id"`
	RequestID    string         `json:"request_id"`
	Status       request.Status `json:"status"`
	Completed    bool           `json:"completed"`
	Valid        bool           `json:"valid"`
	Tampered     bool           `json:"tampered"`
	Match        MatchKind      `json:"match"`
	OriginalHash string         `json:"original_hash"`
	SignedHash   string         `json:"signed_hash,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Signers      []SignerCheck  `json:"signers"`
}

// RequestReader is the request lookup surface the verifier needs.
type RequestReader interface {
	GetByID(ctx context.Context, q document.Querier, id string) (request.SigningRequest, error)
	GetByDocumentID(ctx context.Context, q document.Querier, documentID string) (request.SigningRequest, error)
	ListSigners(ctx context.Context, q document.Querier, requestID string) ([]request.RequiredSigner, error)
}

// DocumentReader is the document lookup surface the verifier needs.
type DocumentReader interface {
	GetByID(ctx context.Context, q document.Querier, id string) (document.Document, error)
	FindByEitherHash(ctx context.Context, q document.Querier, hash document.ContentHash) (document.Document, error)
}

// Service answers "is this document genuine" for anyone holding the bytes or
// a QR token. It never writes.
type Service struct {
	store  document.Querier
	reqs   RequestReader
	docs   DocumentReader
	verify func(digest, sig []byte, identity string) error
	// extractText pulls plain text out of PDF bytes for the token fallback.
	extractText func(data []byte) (string, error)
	logger      *zap.Logger
}

func NewService(store document.Querier, logger *zap.Logger) *Service {
	return &Service{
		store:       store,
		reqs:        request.NewRepository(),
		docs:        document.NewRepository(),
		verify:      signature.Verify,
		extractText: extractText,
		logger:      logger.Named("verification"),
	}
}

// Verify resolves the submitted bytes against the stored original and signed
// hashes and re-checks every stored signature. Bytes matching neither hash
// fall back to scanning the submission for an embedded token; a hit is
// reported as tampered because the bytes diverged from the stored artifact.
func (s *Service) Verify(ctx context.Context, data []byte) (Result, error) {
	if len(data) == 0 {
		return Result{}, fmt.Errorf("verification: no bytes submitted")
	}

	hash := document.Hash(data)
	doc, err := s.docs.FindByEitherHash(ctx, s.store, hash)
	switch {
	case err == nil:
		match := MatchOriginal
		if doc.SignedHash != nil && *doc.SignedHash == hash {
			match = MatchSigned
		}
		return s.report(ctx, doc, match)
	case errors.Is(err, document.ErrNotFound):
		return s.verifyByEmbeddedToken(ctx, data)
	default:
		return Result{}, fmt.Errorf("verification: resolve hash: %w", err)
	}
}

// ResolveToken answers the QR scan path: `MS:<requestID>` straight to the
// verification report.
func (s *Service) ResolveToken(ctx context.Context, tok string) (Result, error) {
	requestID, err := token.Parse(tok)
	if err != nil {
		return Result{}, err
	}
	return s.resolveRequest(ctx, requestID)
}

func (s *Service) resolveRequest(ctx context.Context, requestID string) (Result, error) {
	req, err := s.reqs.GetByID(ctx, s.store, requestID)
	if err != nil {
		if errors.Is(err, request.ErrNotFound) {
			return Result{}, ErrNotRecognized
		}
		return Result{}, fmt.Errorf("verification: load request: %w", err)
	}
	doc, err := s.docs.GetByID(ctx, s.store, req.DocumentID)
	if err != nil {
		return Result{}, fmt.Errorf("verification: load document: %w", err)
	}
	return s.build(ctx, doc, req, MatchSigned, false)
}

func (s *Service) verifyByEmbeddedToken(ctx context.Context, data []byte) (Result, error) {
	text, err := s.extractText(data)
	if err != nil {
		s.logger.Debug("text extraction failed", zap.Error(err))
		return Result{}, ErrNotRecognized
	}
	requestID, ok := token.Find(text)
	if !ok {
		return Result{}, ErrNotRecognized
	}

	res, err := s.resolveRequest(ctx, requestID)
	if err != nil {
		return Result{}, err
	}
	// The token names a known request but the bytes match neither stored
	// hash: the file was altered after assembly.
	res.Tampered = true
	res.Valid = false
	res.Match = MatchToken
	s.logger.Warn("submission resolved by embedded token only",
		zap.String("request_id", res.RequestID))
	return res, nil
}

func (s *Service) report(ctx context.Context, doc document.Document, match MatchKind) (Result, error) {
	req, err := s.reqs.GetByDocumentID(ctx, s.store, doc.ID)
	if err != nil {
		if errors.Is(err, request.ErrNotFound) {
			return Result{}, ErrNotRecognized
		}
		return Result{}, fmt.Errorf("verification: load request: %w", err)
	}
	return s.build(ctx, doc, req, match, false)
}

func (s *Service) build(ctx context.Context, doc document.Document, req request.SigningRequest, match MatchKind, tampered bool) (Result, error) {
	signers, err := s.reqs.ListSigners(ctx, s.store, req.ID)
	if err != nil {
		return Result{}, fmt.Errorf("verification: list signers: %w", err)
	}

	// All signatures cover the original upload's digest, never the artifact.
	digest, err := doc.OriginalHash.Digest()
	if err != nil {
		return Result{}, fmt.Errorf("verification: document hash: %w", err)
	}

	res := Result{
		DocumentID:   doc.ID,
		RequestID:    req.ID,
		Status:       req.Status,
		Completed:    req.Status == request.StatusCompleted,
		Tampered:     tampered,
		Match:        match,
		OriginalHash: doc.OriginalHash.String(),
		CompletedAt:  req.CompletedAt,
	}
	if doc.SignedHash != nil {
		res.SignedHash = doc.SignedHash.String()
	}

	allValid := len(signers) > 0
	for _, signer := range signers {
		check := SignerCheck{
			Identity: signer.SignerIdentity,
			Order:    signer.SigningOrder,
			Signed:   signer.Status == request.SignerSigned,
			SignedAt: signer.SignedAt,
		}
		if check.Signed && len(signer.Signature) > 0 {
			check.SignatureValid = s.verify(digest, signer.Signature, signer.SignerIdentity) == nil
		}
		if !check.SignatureValid {
			allValid = false
		}
		res.Signers = append(res.Signers, check)
	}
	res.Valid = allValid && res.Completed && !tampered
	return res, nil
}

// extractText renders every page of a PDF to plain text. Malformed files make
// the underlying reader panic, so the recovery turns that into an error.
func extractText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("verification: extract text: %v", r)
		}
	}()

	reader, err := ledongthuc.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("verification: open pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(content)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
