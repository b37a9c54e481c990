package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"signflow/auth"
	"signflow/document"
	"signflow/request"
	"signflow/verification"
)

func newTestEngine(reqs *fakeRequests, verifier *fakeVerifier) http.Handler {
	return NewEngine("test", &fakeAuth{}, reqs, verifier, zap.NewNop())
}

func authedRequest(method, target string, body *bytes.Buffer, contentType string) *http.Request {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer good")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req
}

func multipartDocument(t *testing.T, fields map[string][]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("document", "agreement.pdf")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fw.Write([]byte("%PDF-test bytes"))
	for name, values := range fields {
		for _, v := range values {
			w.WriteField(name, v)
		}
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func TestSign_Handler(t *testing.T) {
	next := "bob"
	reqs := &fakeRequests{
		signResult: request.SignResult{
			RequestID:          "req-1",
			Status:             request.StatusPending,
			CurrentSignerIndex: 1,
			NextSigner:         &next,
		},
	}
	engine := newTestEngine(reqs, &fakeVerifier{})

	body := bytes.NewBufferString(fmt.Sprintf(`{"signature": %q}`, base64.StdEncoding.EncodeToString([]byte("sig"))))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/requests/req-1/signatures", body, "application/json"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["next_signer"] != "bob" {
		t.Fatalf("expected next_signer bob, got %v", resp["next_signer"])
	}
	if reqs.signIdentity != "identity-1" {
		t.Fatalf("handler must sign as the token's identity, got %q", reqs.signIdentity)
	}
}

func TestSign_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"out of turn", request.ErrNotAuthorized, http.StatusForbidden},
		{"stale turn", request.ErrStaleTurn, http.StatusConflict},
		{"not found", request.ErrNotFound, http.StatusNotFound},
		{"unavailable", request.ErrUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := newTestEngine(&fakeRequests{signErr: tc.err}, &fakeVerifier{})
			body := bytes.NewBufferString(fmt.Sprintf(`{"signature": %q}`, base64.StdEncoding.EncodeToString([]byte("sig"))))
			rec := httptest.NewRecorder()
			engine.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/requests/req-1/signatures", body, "application/json"))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSign_RejectsBadBase64(t *testing.T) {
	engine := newTestEngine(&fakeRequests{}, &fakeVerifier{})
	body := bytes.NewBufferString(`{"signature": "!!not base64!!"}`)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/requests/req-1/signatures", body, "application/json"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRequests_RequireAuth(t *testing.T) {
	engine := newTestEngine(&fakeRequests{}, &fakeVerifier{})
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/requests/req-1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestCreateRequest_DuplicatePayload(t *testing.T) {
	reqs := &fakeRequests{
		createErr: &document.DuplicateError{
			Action:  document.ActionConfirm,
			Reason:  "identical bytes already uploaded",
			PriorID: "doc-9",
		},
	}
	engine := newTestEngine(reqs, &fakeVerifier{})

	body, contentType := multipartDocument(t, map[string][]string{
		"signers": {"identity-a", "identity-b"},
	})
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/requests", body, contentType))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["action"] != string(document.ActionConfirm) {
		t.Fatalf("expected confirm action in payload, got %v", resp["action"])
	}
	if resp["prior_document_id"] != "doc-9" {
		t.Fatalf("expected prior document id, got %v", resp["prior_document_id"])
	}
}

func TestVerify_UnknownDocument(t *testing.T) {
	engine := newTestEngine(&fakeRequests{}, &fakeVerifier{verifyErr: verification.ErrNotRecognized})

	body, contentType := multipartDocument(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestResolveToken_Public(t *testing.T) {
	verifier := &fakeVerifier{result: verification.Result{RequestID: "req-1", Valid: true}}
	engine := newTestEngine(&fakeRequests{}, verifier)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/verify/MS:req-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without auth, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"valid":true`) {
		t.Fatalf("expected valid result, got %s", rec.Body.String())
	}
}

// --- fakes ---

type fakeAuth struct{}

func (f *fakeAuth) Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error) {
	return &auth.Account{ID: "acct-1", Email: req.Email, PublicKey: req.PublicKey}, nil
}

func (f *fakeAuth) Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error) {
	return auth.LoginResult{Token: "good", Account: auth.Account{ID: "acct-1"}}, nil
}

func (f *fakeAuth) VerifyToken(tokenString string) (string, string, error) {
	if tokenString != "good" {
		return "", "", fmt.Errorf("bad token")
	}
	return "acct-1", "identity-1", nil
}

type fakeRequests struct {
	signResult   request.SignResult
	signErr      error
	signIdentity string
	createErr    error
}

func (f *fakeRequests) CreateRequest(ctx context.Context, params request.CreateRequestParams) (request.RequestDetail, error) {
	if f.createErr != nil {
		return request.RequestDetail{}, f.createErr
	}
	return request.RequestDetail{
		Request: request.SigningRequest{ID: "req-1", InitiatorID: params.InitiatorID, Status: request.StatusPending},
	}, nil
}

func (f *fakeRequests) GetStatus(ctx context.Context, requestID string) (request.StatusView, error) {
	return request.StatusView{RequestID: requestID, Status: request.StatusPending}, nil
}

func (f *fakeRequests) Sign(ctx context.Context, requestID, signerIdentity string, sig []byte) (request.SignResult, error) {
	f.signIdentity = signerIdentity
	if f.signErr != nil {
		return request.SignResult{}, f.signErr
	}
	return f.signResult, nil
}

func (f *fakeRequests) GetArtifact(ctx context.Context, requestID string) ([]byte, error) {
	return []byte("%PDF-artifact"), nil
}

func (f *fakeRequests) Cancel(ctx context.Context, requestID, callerID string) error {
	return nil
}

func (f *fakeRequests) ListByInitiator(ctx context.Context, initiatorID string) ([]request.SigningRequest, error) {
	return nil, nil
}

func (f *fakeRequests) ListBySigner(ctx context.Context, identity string) ([]request.SigningRequest, error) {
	return nil, nil
}

type fakeVerifier struct {
	result    verification.Result
	verifyErr error
}

func (f *fakeVerifier) Verify(ctx context.Context, data []byte) (verification.Result, error) {
	if f.verifyErr != nil {
		return verification.Result{}, f.verifyErr
	}
	return f.result, nil
}

func (f *fakeVerifier) ResolveToken(ctx context.Context, token string) (verification.Result, error) {
	if f.verifyErr != nil {
		return verification.Result{}, f.verifyErr
	}
	return f.result, nil
}
