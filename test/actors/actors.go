package actors

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"signflow/document"
	"signflow/queue"
	"signflow/request"
	"signflow/signature"
)

// Participant is one signer in the stress run: a real key pair plus the
// identity derived from it.
type Participant struct {
	Identity string
	Key      *ecdsa.PrivateKey
}

func NewParticipant() (Participant, error) {
	key, err := signature.GenerateKey()
	if err != nil {
		return Participant{}, err
	}
	return Participant{Identity: signature.Identity(key), Key: key}, nil
}

// transient reports errors the actors ride out: chaos-killed backends and
// storage hiccups surface as ErrUnavailable.
func transient(err error) bool {
	return errors.Is(err, request.ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// HonestSigner polls for its turn and submits a valid signature when the turn
// arrives. Lost races (stale turn, not authorized) are expected under
// contention and retried after a fresh status fetch. Returns once the request
// leaves pending.
func (p Participant) HonestSigner(ctx context.Context, svc *request.Service, requestID string, digest []byte, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		view, err := svc.GetStatus(ctx, requestID)
		if err != nil {
			if transient(err) {
				time.Sleep(time.Duration(20+rand.Intn(30)) * time.Millisecond)
				continue
			}
			return fmt.Errorf("honest signer status: %w", err)
		}
		if view.Status != request.StatusPending {
			return nil
		}
		if view.CurrentSigner == nil || *view.CurrentSigner != p.Identity {
			time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
			continue
		}

		sig, err := signature.Sign(digest, p.Key)
		if err != nil {
			return fmt.Errorf("honest signer sign: %w", err)
		}
		_, err = svc.Sign(ctx, requestID, p.Identity, sig)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, request.ErrStaleTurn), errors.Is(err, request.ErrNotAuthorized):
			// lost the optimistic race; re-fetch and retry
		case transient(err):
		default:
			return fmt.Errorf("honest signer submit: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Forger hammers the request with signatures from a key that is not in the
// signer list. Any acceptance is an invariant violation.
func Forger(ctx context.Context, svc *request.Service, requestID string, digest []byte, stop <-chan struct{}) error {
	intruder, err := NewParticipant()
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		sig, err := signature.Sign(digest, intruder.Key)
		if err != nil {
			return err
		}
		_, err = svc.Sign(ctx, requestID, intruder.Identity, sig)
		if err == nil {
			return fmt.Errorf("forger: signature from unlisted identity %s was accepted", intruder.Identity)
		}
		if !errors.Is(err, request.ErrNotAuthorized) && !errors.Is(err, request.ErrNotFound) && !transient(err) {
			return fmt.Errorf("forger: unexpected rejection: %w", err)
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// Impersonator submits garbage bytes as the current signer's signature. The
// cryptographic check must reject every attempt.
func Impersonator(ctx context.Context, svc *request.Service, requestID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		view, err := svc.GetStatus(ctx, requestID)
		if err != nil {
			if transient(err) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("impersonator status: %w", err)
		}
		if view.Status != request.StatusPending || view.CurrentSigner == nil {
			return nil
		}

		garbage := make([]byte, 64)
		rand.Read(garbage)
		_, err = svc.Sign(ctx, requestID, *view.CurrentSigner, garbage)
		if err == nil {
			return fmt.Errorf("impersonator: forged bytes accepted for %s", *view.CurrentSigner)
		}
		if !errors.Is(err, signature.ErrInvalidSignature) &&
			!errors.Is(err, request.ErrNotAuthorized) &&
			!errors.Is(err, request.ErrStaleTurn) &&
			!transient(err) {
			return fmt.Errorf("impersonator: unexpected rejection: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// DuplicateUploader re-submits the same document bytes as the original
// initiator while their request is active. The guard blocks the same uploader
// unconditionally, force or not.
func DuplicateUploader(ctx context.Context, svc *request.Service, docBytes []byte, initiatorID string, identities []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		_, err := svc.CreateRequest(ctx, request.CreateRequestParams{
			DocumentBytes:    docBytes,
			InitiatorID:      initiatorID,
			SignerIdentities: identities,
			Force:            rand.Intn(2) == 0,
		})
		if err == nil {
			return fmt.Errorf("duplicate uploader: created a second request over an active document")
		}
		var dup *document.DuplicateError
		if !errors.As(err, &dup) && !errors.Is(err, request.ErrActiveRequestExists) && !transient(err) {
			return fmt.Errorf("duplicate uploader: unexpected error: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// StatusPoller re-reads the request and checks view-level consistency: the
// turn pointer equals the number of collected signatures while pending.
func StatusPoller(ctx context.Context, svc *request.Service, requestID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		view, err := svc.GetStatus(ctx, requestID)
		if err != nil {
			if transient(err) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("poller: %w", err)
		}

		signed := 0
		for _, s := range view.Signers {
			if s.Status == request.SignerSigned {
				signed++
			}
		}
		if view.Status == request.StatusPending && view.CurrentSignerIndex != signed {
			return fmt.Errorf("poller: pending request index %d disagrees with %d collected signatures", view.CurrentSignerIndex, signed)
		}
		if view.Completed && signed != len(view.Signers) {
			return fmt.Errorf("poller: completed request with %d of %d signatures", signed, len(view.Signers))
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// OutboxDrainer runs the real outbox worker loop against the stress pool.
func OutboxDrainer(ctx context.Context, worker *queue.Worker, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		_, _ = worker.DrainOnce(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
