package httpapi

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signflow/auth"
	"signflow/document"
	"signflow/request"
	"signflow/signature"
	"signflow/token"
	"signflow/verification"
)

const maxUploadSize = 25 << 20 // 25MB

type handler struct {
	auth     AuthService
	requests RequestService
	verifier Verifier
	logger   *zap.Logger
}

// --- auth ---

func (h *handler) register(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	account, err := h.auth.Register(c.Request.Context(), req)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         account.ID,
		"email":      account.Email,
		"full_name":  account.FullName,
		"public_key": account.PublicKey,
	})
}

func (h *handler) login(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.auth.Login(c.Request.Context(), req)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      result.Token,
		"account_id": result.Account.ID,
		"identity":   result.Account.PublicKey,
	})
}

// --- signing requests ---

func (h *handler) createRequest(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	fileHeader, err := c.FormFile("document")
	if err != nil {
		writeError(c, http.StatusBadRequest, "document file is required")
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		writeError(c, http.StatusBadRequest, "unable to read document file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(c, http.StatusBadRequest, "unable to read document file")
		return
	}

	signers := c.PostFormArray("signers")
	if len(signers) == 0 {
		writeError(c, http.StatusBadRequest, "at least one signer is required")
		return
	}

	detail, err := h.requests.CreateRequest(c.Request.Context(), request.CreateRequestParams{
		DocumentBytes:    data,
		InitiatorID:      callerAccountID(c),
		SignerIdentities: signers,
		Description:      c.PostForm("description"),
		Force:            c.PostForm("force") == "true",
	})
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toRequestResponse(detail))
}

func (h *handler) getStatus(c *gin.Context) {
	view, err := h.requests.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, toStatusResponse(view))
}

type signRequest struct {
	Signature string `json:"signature"`
}

func (h *handler) sign(c *gin.Context) {
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil || len(sig) == 0 {
		writeError(c, http.StatusBadRequest, "signature must be base64")
		return
	}

	result, err := h.requests.Sign(c.Request.Context(), c.Param("id"), callerIdentity(c), sig)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	resp := gin.H{
		"request_id":           result.RequestID,
		"status":               result.Status,
		"completed":            result.Completed,
		"current_signer_index": result.CurrentSignerIndex,
	}
	if result.NextSigner != nil {
		resp["next_signer"] = *result.NextSigner
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) getArtifact(c *gin.Context) {
	data, err := h.requests.GetArtifact(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="signed.pdf"`)
	c.Data(http.StatusOK, "application/pdf", data)
}

func (h *handler) cancel(c *gin.Context) {
	if err := h.requests.Cancel(c.Request.Context(), c.Param("id"), callerAccountID(c)); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": request.StatusCancelled})
}

func (h *handler) listRequests(c *gin.Context) {
	var (
		list []request.SigningRequest
		err  error
	)
	switch c.Query("role") {
	case "signer":
		list, err = h.requests.ListBySigner(c.Request.Context(), callerIdentity(c))
	default:
		list, err = h.requests.ListByInitiator(c.Request.Context(), callerAccountID(c))
	}
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	out := make([]gin.H, 0, len(list))
	for _, req := range list {
		out = append(out, gin.H{
			"id":                   req.ID,
			"document_id":          req.DocumentID,
			"description":          req.Description,
			"status":               req.Status,
			"current_signer_index": req.CurrentSignerIndex,
			"created_at":           req.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"requests": out})
}

// --- verification ---

func (h *handler) verify(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	fileHeader, err := c.FormFile("document")
	if err != nil {
		writeError(c, http.StatusBadRequest, "document file is required")
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		writeError(c, http.StatusBadRequest, "unable to read document file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(c, http.StatusBadRequest, "unable to read document file")
		return
	}

	result, err := h.verifier.Verify(c.Request.Context(), data)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handler) resolveToken(c *gin.Context) {
	result, err := h.verifier.ResolveToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- error mapping ---

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// writeDomainError maps service sentinels to HTTP statuses. Duplicate-guard
// rejections carry the decision so clients can offer a confirm flow.
func (h *handler) writeDomainError(c *gin.Context, err error) {
	var dup *document.DuplicateError
	switch {
	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, gin.H{
			"error":             "duplicate document",
			"action":            dup.Action,
			"reason":            dup.Reason,
			"prior_document_id": dup.PriorID,
		})
	case errors.Is(err, request.ErrNotAuthorized):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, request.ErrStaleTurn):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, request.ErrActiveRequestExists):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, request.ErrNotCompleted):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, request.ErrNotFound),
		errors.Is(err, document.ErrNotFound),
		errors.Is(err, verification.ErrNotRecognized),
		errors.Is(err, auth.ErrAccountNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, signature.ErrInvalidSignature),
		errors.Is(err, signature.ErrInvalidIdentity),
		errors.Is(err, token.ErrMalformed),
		errors.Is(err, auth.ErrWeakPassword):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrDuplicateEmail), errors.Is(err, auth.ErrDuplicatePublicKey):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, request.ErrUnavailable):
		writeError(c, http.StatusServiceUnavailable, "storage unavailable, retry later")
	default:
		h.logger.Error("unhandled error", zap.Error(err))
		writeError(c, http.StatusBadRequest, err.Error())
	}
}

// --- response shapes ---

type signerResponse struct {
	Identity string     `json:"identity"`
	Order    int        `json:"order"`
	Status   string     `json:"status"`
	SignedAt *time.Time `json:"signed_at,omitempty"`
}

func toRequestResponse(detail request.RequestDetail) gin.H {
	signers := make([]signerResponse, 0, len(detail.Signers))
	for _, s := range detail.Signers {
		signers = append(signers, signerResponse{
			Identity: s.SignerIdentity,
			Order:    s.SigningOrder,
			Status:   string(s.Status),
			SignedAt: s.SignedAt,
		})
	}
	return gin.H{
		"id":                   detail.Request.ID,
		"document_id":          detail.Request.DocumentID,
		"description":          detail.Request.Description,
		"status":               detail.Request.Status,
		"current_signer_index": detail.Request.CurrentSignerIndex,
		"document_hash":        detail.Document.OriginalHash.String(),
		"signers":              signers,
	}
}

func toStatusResponse(view request.StatusView) gin.H {
	signers := make([]signerResponse, 0, len(view.Signers))
	for _, s := range view.Signers {
		signers = append(signers, signerResponse{
			Identity: s.Identity,
			Order:    s.Order,
			Status:   string(s.Status),
			SignedAt: s.SignedAt,
		})
	}
	resp := gin.H{
		"id":                   view.RequestID,
		"document_id":          view.DocumentID,
		"status":               view.Status,
		"current_signer_index": view.CurrentSignerIndex,
		"completed":            view.Completed,
		"signers":              signers,
	}
	if view.CurrentSigner != nil {
		resp["current_signer"] = *view.CurrentSigner
	}
	return resp
}
