// Package api exposes the control surface over HTTP: status inspection
// plus halt and resume.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gridbot/fund"
	"gridbot/logger"
	"gridbot/market"
	"gridbot/risk"
	"gridbot/store"
	"gridbot/trader"
)

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	manager    *trader.Manager
	ledger     *fund.Ledger
	metrics    *market.Engine
	controller *risk.Controller
	trades     *store.TradeStore
	symbol     string
	httpServer *http.Server
	port       int
}

// NewServer creates the API server.
func NewServer(manager *trader.Manager, ledger *fund.Ledger, metrics *market.Engine,
	controller *risk.Controller, trades *store.TradeStore, symbol string, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router:     router,
		manager:    manager,
		ledger:     ledger,
		metrics:    metrics,
		controller: controller,
		trades:     trades,
		symbol:     symbol,
		port:       port,
	}
	s.setupRoutes()
	return s
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.Any("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)
		api.GET("/fills", s.handleFills)
		api.POST("/halt", s.handleHalt)
		api.POST("/resume", s.handleResume)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	status := s.manager.Snapshot()
	balances := gin.H{}
	for asset, amount := range s.ledger.Snapshot().Available {
		balances[asset] = amount.String()
	}

	resp := gin.H{
		"grid":     status,
		"balances": balances,
		"bracket":  string(s.controller.CurrentState()),
	}

	if m, err := s.metrics.Snapshot(c.Request.Context()); err != nil {
		logger.Warnf("status metrics: %v", err)
	} else {
		resp["market"] = gin.H{
			"price":          m.Price,
			"trend_strength": m.TrendStrength,
			"atr":            m.ATR,
			"volume_ratio":   m.VolumeRatio,
			"rsi":            m.RSI,
			"regime":         string(m.Regime),
			"computed_at":    m.ComputedAt.Format(time.RFC3339),
		}
	}

	if s.trades != nil {
		if st, err := s.trades.GetFillStats(s.symbol); err != nil {
			logger.Warnf("status fill stats: %v", err)
		} else {
			resp["fills"] = st
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleFills(c *gin.Context) {
	if s.trades == nil {
		c.JSON(http.StatusOK, []store.Fill{})
		return
	}
	fills, err := s.trades.RecentFills(s.symbol, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if fills == nil {
		fills = []store.Fill{}
	}
	c.JSON(http.StatusOK, fills)
}

func (s *Server) handleHalt(c *gin.Context) {
	s.manager.Halt()
	logger.Warn("trading halted via API")
	c.JSON(http.StatusOK, gin.H{"halted": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.manager.Resume()
	logger.Info("trading resumed via API")
	c.JSON(http.StatusOK, gin.H{"halted": false})
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	logger.Infof("API server starting at http://localhost%s", addr)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
