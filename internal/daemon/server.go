package daemon

import (
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskforge/taskforge/internal/health"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/protocol"
)

// Server is the unix-domain-socket HTTP surface spec.md §4.9 describes:
// a health/liveness endpoint and an inbound protocol-envelope endpoint.
// Grounded on the teacher's go.mod carrying gin-gonic/gin as an unused
// dependency (the teacher's own internal/server package routes by hand
// over stdlib net/http); taskforge is the first place in this
// transformation to actually exercise it.
type Server struct {
	engine *gin.Engine
	log    logging.Logger
}

// NewServer builds the HTTP surface over checker and router. lastPollAt
// returns the most recent poll time across every project's scheduler,
// or the zero time if none has run yet.
func NewServer(checker *health.Checker, router *protocol.Router, log logging.Logger, lastPollAt func() time.Time) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	s := &Server{engine: engine, log: logging.OrNop(log)}

	engine.GET("/healthz", func(c *gin.Context) {
		var last time.Time
		if lastPollAt != nil {
			last = lastPollAt()
		}
		rep := checker.Report(last)
		status := http.StatusOK
		if !rep.Healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, rep)
	})

	engine.POST("/v1/envelope", func(c *gin.Context) {
		var env protocol.Envelope
		if err := c.ShouldBindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, protocol.Result{Summary: "malformed envelope: " + err.Error()})
			return
		}
		result, err := router.Dispatch(&env)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, protocol.Result{Summary: err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	return s
}

// Serve accepts connections on a unix domain socket at socketPath until
// the listener errors or the process exits. Any stale socket file left
// over from an unclean shutdown is removed first.
func (s *Server) Serve(socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	return http.Serve(ln, s.engine)
}
