package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signflow/auth"
	"signflow/request"
	"signflow/verification"
)

// RequestService is the signing engine surface the handlers call.
type RequestService interface {
	CreateRequest(ctx context.Context, params request.CreateRequestParams) (request.RequestDetail, error)
	GetStatus(ctx context.Context, requestID string) (request.StatusView, error)
	Sign(ctx context.Context, requestID, signerIdentity string, sig []byte) (request.SignResult, error)
	GetArtifact(ctx context.Context, requestID string) ([]byte, error)
	Cancel(ctx context.Context, requestID, callerID string) error
	ListByInitiator(ctx context.Context, initiatorID string) ([]request.SigningRequest, error)
	ListBySigner(ctx context.Context, identity string) ([]request.SigningRequest, error)
}

// AuthService is the account surface the handlers call.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(tokenString string) (accountID, identity string, err error)
}

// Verifier is the public verification surface.
type Verifier interface {
	Verify(ctx context.Context, data []byte) (verification.Result, error)
	ResolveToken(ctx context.Context, token string) (verification.Result, error)
}

// NewEngine builds the gin engine with all routes registered. Verification
// endpoints are public; everything touching requests needs a session token.
func NewEngine(env string, authSvc AuthService, requests RequestService, verifier Verifier, logger *zap.Logger) *gin.Engine {
	if env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(requestLogger(logger), gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handler{auth: authSvc, requests: requests, verifier: verifier, logger: logger.Named("http")}

	api := engine.Group("/api/v1")

	api.POST("/auth/register", h.register)
	api.POST("/auth/login", h.login)

	api.POST("/verify", h.verify)
	api.GET("/verify/:token", h.resolveToken)

	authed := api.Group("")
	authed.Use(requireAuth(authSvc))
	authed.POST("/requests", h.createRequest)
	authed.GET("/requests", h.listRequests)
	authed.GET("/requests/:id", h.getStatus)
	authed.POST("/requests/:id/signatures", h.sign)
	authed.GET("/requests/:id/artifact", h.getArtifact)
	authed.POST("/requests/:id/cancel", h.cancel)

	return engine
}

// Addr returns a normalized listen address for the given port.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return fmt.Sprintf(":%s", port)
}
