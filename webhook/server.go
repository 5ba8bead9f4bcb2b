// Package webhook implements the inbound relay used by the UI to
// register/unregister live engine instances and query their balances
// (spec §6.2). It is a thin shim: the engine itself never depends on
// this package. Grounded on the teacher's api/server.go (gin router,
// CORS middleware, ShouldBindJSON + gin.H error/response idiom).
package webhook

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"tradecore/engine"
	"tradecore/exchange"
	"tradecore/logger"
)

// RegisterRequest is the body of POST /register_instance (spec §6.2).
type RegisterRequest struct {
	InstanceID      string  `json:"instance_id" binding:"required"`
	Exchange        string  `json:"exchange" binding:"required"`
	PrivateKey      string  `json:"private_key"`
	StrategyName    string  `json:"strategy_name"`
	Symbol          string  `json:"symbol" binding:"required"`
	Leverage        float64 `json:"leverage"`
	MarginAmount    float64 `json:"margin_amount"`
	StopLossRatio   float64 `json:"stop_loss_ratio"`
	TakeProfitRatio float64 `json:"take_profit_ratio"`
	ForbiddenHours  []int   `json:"forbidden_hours"`
}

// InstanceFactory constructs and starts an engine for a registration
// request, returning the running engine. The webhook package has no
// opinion on how adapters/strategies are wired — that is supplied by
// the process wiring this server up (see cmd/engine).
type InstanceFactory func(req RegisterRequest) (*engine.Engine, error)

// Server is the registration/status relay (spec §6.2). It does not
// participate in order flow; it only starts/stops engines and reports
// their balances.
type Server struct {
	router  *gin.Engine
	factory InstanceFactory

	mu        sync.RWMutex
	instances map[string]*engine.Engine
	adapters  map[string]exchange.Adapter

	httpServer *http.Server
}

// NewServer constructs the webhook relay. The listen address is passed
// to ListenAndServe; cmd/engine defaults it to ":8005".
func NewServer(factory InstanceFactory) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router:    router,
		factory:   factory,
		instances: make(map[string]*engine.Engine),
		adapters:  make(map[string]exchange.Adapter),
	}
	s.setupRoutes()
	return s
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.POST("/register_instance", s.handleRegister)
	s.router.POST("/unregister_instance/:id", s.handleUnregister)
	s.router.GET("/instances", s.handleList)
	s.router.GET("/balance/:id", s.handleBalance)
}

// ListenAndServe starts the HTTP server on addr (e.g. ":8005").
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s.httpServer.ListenAndServe()
}

func (s *Server) handleRegister(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.RLock()
	_, exists := s.instances[req.InstanceID]
	s.mu.RUnlock()
	if exists {
		c.JSON(http.StatusConflict, gin.H{"error": "instance already registered"})
		return
	}

	eng, err := s.factory(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.instances[req.InstanceID] = eng
	s.mu.Unlock()

	logger.Infof("webhook: registered instance %s (%s %s)", req.InstanceID, req.Exchange, req.Symbol)
	c.JSON(http.StatusCreated, gin.H{"instance_id": req.InstanceID, "status": "registered"})
}

func (s *Server) handleUnregister(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	eng, ok := s.instances[id]
	delete(s.instances, id)
	delete(s.adapters, id)
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}
	eng.Stop()
	c.JSON(http.StatusOK, gin.H{"message": "unregistered"})
}

func (s *Server) handleList(c *gin.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"instances": ids})
}

func (s *Server) handleBalance(c *gin.Context) {
	id := c.Param("id")

	s.mu.RLock()
	adapter, ok := s.adapters[id]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}

	balances, err := adapter.GetBalance(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance_id": id, "balances": balances})
}

// RegisterAdapter associates an instance id with the adapter its
// engine uses, so GET /balance/{id} can query it directly.
func (s *Server) RegisterAdapter(instanceID string, adapter exchange.Adapter) {
	s.mu.Lock()
	s.adapters[instanceID] = adapter
	s.mu.Unlock()
}
