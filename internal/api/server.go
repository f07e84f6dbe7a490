package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Tacke300/fund-sub001/internal/engine"
	"github.com/Tacke300/fund-sub001/logger"
)

// Controller is the slice of the engine the HTTP surface needs.
type Controller interface {
	Snapshot() engine.Status
	Start(ctx context.Context, capitalFraction float64) error
	Stop() error
	TransferFunds(ctx context.Context, fromVenue, toVenue string, amount float64) error
}

// Server exposes the control endpoints. It owns its http.Server and shuts
// down gracefully.
type Server struct {
	controller Controller
	log        *logger.Log
	srv        *http.Server
}

func NewServer(addr string, controller Controller) *Server {
	s := &Server{
		controller: controller,
		log:        logger.GetLogger(),
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/status", s.handleStatus)
	router.POST("/start", s.handleStart)
	router.POST("/stop", s.handleStop)
	router.POST("/transfer-funds", s.handleTransferFunds)
}

// Start runs the listener in the background and shuts it down when ctx ends.
func (s *Server) Start(ctx context.Context) {
	go func() {
		s.log.WithComponent("api").WithFields(logger.Fields{"addr": s.srv.Addr}).Info("control server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithComponent("api").WithError(err).Error("control server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.WithComponent("api").WithError(err).Warn("control server shutdown failed")
		}
	}()
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.controller.Snapshot())
}

type startRequest struct {
	CapitalFraction float64 `json:"capital_fraction" binding:"required"`
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.controller.Start(c.Request.Context(), req.CapitalFraction); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started", "capital_fraction": req.CapitalFraction})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.controller.Stop(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

type transferRequest struct {
	FromVenue string  `json:"from_venue" binding:"required"`
	ToVenue   string  `json:"to_venue" binding:"required"`
	Amount    float64 `json:"amount" binding:"required"`
}

func (s *Server) handleTransferFunds(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.controller.TransferFunds(c.Request.Context(), req.FromVenue, req.ToVenue, req.Amount); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "transferred",
		"from":   req.FromVenue,
		"to":     req.ToVenue,
		"amount": req.Amount,
	})
}
