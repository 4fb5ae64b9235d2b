// Package api contains the HTTP handlers and routing for the payment service.
package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter configures the Gin router with all routes and middleware.
func SetupRouter(handler *Handler, ginMode, serviceToken string) *gin.Engine {
	gin.SetMode(ginMode)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(CORSMiddleware())
	router.Use(RequestIDMiddleware())

	// Health check (public)
	router.GET("/health", handler.Health)

	// API v1 routes (requires Bearer auth, called by Ticketeer Core)
	v1 := router.Group("/api/v1")
	{
		payments := v1.Group("/payments")
		payments.Use(ServiceAuthMiddleware(serviceToken))
		{
			payments.POST("/checkout", handler.CreateCheckout)
			payments.POST("/:payment/refund", handler.InitiateRefund)
		}
	}

	// Vendor webhook (public, the engine re-fetches status from the vendor
	// so a spoofed body cannot advance any payment)
	router.POST("/webhooks/sofort", handler.HandleWebhook)

	// Browser-facing endpoints (public, gated by the order secret hash and
	// the signed redirect token respectively)
	router.GET("/return/:order/:hash/", handler.HandleReturn)
	router.GET("/redirect/", handler.HandleRedirect)

	return router
}
