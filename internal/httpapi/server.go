// Package httpapi exposes the ledger, payment, and usage services over HTTP.
// Identity arrives as a signed session token issued by the external auth
// layer; the JWT middleware is the adapter that turns it into a ledger.Actor,
// and handlers never re-derive who is calling.
package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/botbazaar/tokenledger/internal/monitoring"
)

// Config carries the router's own settings; collaborators live in Deps.
type Config struct {
	SessionSigningKey []byte
	AllowedOrigins    []string
}

// Deps are the services the handlers delegate to. Metrics is optional; when
// nil the /metrics route and the request middleware are simply not mounted.
type Deps struct {
	Payments PaymentService
	Usage    UsageService
	Ledger   LedgerService
	Metrics  *monitoring.Metrics
	Logger   *zap.Logger
}

// NewRouter assembles the gin engine with every route and middleware mounted.
func NewRouter(config Config, deps Deps) (*gin.Engine, error) {
	if len(config.SessionSigningKey) == 0 {
		return nil, fmt.Errorf("httpapi: empty session signing key")
	}
	if deps.Payments == nil {
		return nil, fmt.Errorf("httpapi: nil payment service")
	}
	if deps.Usage == nil {
		return nil, fmt.Errorf("httpapi: nil usage service")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("httpapi: nil ledger service")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization", serviceTokenHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ginContext *gin.Context) {
		ginContext.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	handler := &httpHandler{
		payments: deps.Payments,
		usage:    deps.Usage,
		ledger:   deps.Ledger,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}

	// The gateway redirects the buyer's browser here; no session exists on
	// that request, so the route stays outside the authenticated group.
	router.GET("/payments/callback", handler.handleCallback)

	api := router.Group("/api")
	// Authenticated by the automation's service token, not a user session.
	api.POST("/usage/consume", handler.handleConsume)

	authed := api.Group("", authenticated(config.SessionSigningKey))
	authed.POST("/payments", handler.handleInitPayment)
	authed.GET("/payments", handler.handleListPayments)
	authed.GET("/payments/:payment_id", handler.handleGetPayment)
	authed.GET("/balances", handler.handleListBalances)
	authed.GET("/balances/:balance_id/adjustments", handler.handleListAdjustments)

	admin := authed.Group("/admin", adminOnly())
	admin.POST("/adjustments", handler.handleAdminAdjustment)
	admin.POST("/balances/:balance_id/status", handler.handleSetBalanceStatus)
	admin.GET("/balances/:balance_id/reconcile", handler.handleReconcile)

	return router, nil
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
