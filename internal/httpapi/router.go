package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ghostwriter/internal/common"
	"github.com/suPer8Hu/ghostwriter/internal/httpapi/handlers"
	"github.com/suPer8Hu/ghostwriter/internal/httpapi/middleware"
)

type RouterConfig struct {
	JWTSecret string
	// nil disables rate limiting
	Limiter middleware.Limiter
}

func NewRouter(h *handlers.Handler, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))

	// Tasks
	authGroup.POST("/tasks/create", h.CreateTask)
	authGroup.GET("/tasks/status", h.GetTaskStatus)
	authGroup.GET("/tasks/active", h.ListActiveTasks)
	authGroup.GET("/tasks/settled", h.ListSettledTasks)
	authGroup.PUT("/tasks/:id/message", h.SetTaskMessage)

	// Chat
	authGroup.POST("/chat/conversations", h.CreateConversation)
	authGroup.GET("/chat/conversations/:id/messages", h.ListMessages)
	authGroup.PATCH("/chat/messages/:id", h.PatchMessage)
	if cfg.Limiter != nil {
		authGroup.POST("/message-send", middleware.RateLimit(cfg.Limiter, "message-send"), h.SendMessage)
	} else {
		authGroup.POST("/message-send", h.SendMessage)
	}
	return r
}

// NewHandler fronts the gin engine with the realtime WebSocket stream, which
// needs a writer that can still be hijacked.
func NewHandler(h *handlers.Handler, cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /realtime/tasks", middleware.RequireUser(cfg.JWTSecret, h.RealtimeTasks))
	mux.Handle("/", NewRouter(h, cfg))
	return mux
}
