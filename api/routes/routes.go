package routes

import (
	"context"
	"net/http"
	"time"

	"channelverify/api/handler"
	"channelverify/api/middleware"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

type Router struct {
	Echo           *echo.Echo
	Verification   *handler.VerificationHandler
	AuthMiddleware middleware.AuthMiddleware
	IssueRate      *middleware.RateLimiter
	ConfirmRate    *middleware.RateLimiter
	Gatherer       prometheus.Gatherer
	Health         func(ctx context.Context) error
}

func NewRouter(e *echo.Echo, verificationHandler *handler.VerificationHandler, authMiddleware middleware.AuthMiddleware) *Router {
	return &Router{
		Echo:           e,
		Verification:   verificationHandler,
		AuthMiddleware: authMiddleware,
		IssueRate:      middleware.NewRateLimiter(rate.Limit(1), 3, 10*time.Minute, middleware.ByOwner),
		ConfirmRate:    middleware.NewRateLimiter(rate.Limit(2), 5, 10*time.Minute, middleware.ByIP),
		Gatherer:       prometheus.DefaultGatherer,
	}
}

func (r *Router) RegisterRoutes() {
	e := r.Echo

	e.GET("/healthz", r.healthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(r.Gatherer, promhttp.HandlerOpts{})))

	v := e.Group("/verifications", r.AuthMiddleware.RequireAuth)
	v.POST("/phone", r.Verification.IssuePhone, r.IssueRate.Middleware())
	v.POST("/phone/confirm", r.Verification.ConfirmPhone, r.ConfirmRate.Middleware())
	v.POST("/email", r.Verification.IssueEmail, r.IssueRate.Middleware())
	v.POST("/email/confirm", r.Verification.ConfirmEmail, r.ConfirmRate.Middleware())
	v.GET("/:channel", r.Verification.Status)
	v.DELETE("", r.Verification.DeleteAll)
}

func (r *Router) healthz(c echo.Context) error {
	if r.Health != nil {
		if err := r.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "message": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
