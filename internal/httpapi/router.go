package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/pagelens/pagelens/internal/common"
	"github.com/pagelens/pagelens/internal/config"
	"github.com/pagelens/pagelens/internal/httpapi/handlers"
	"github.com/pagelens/pagelens/internal/httpapi/middleware"
	"github.com/pagelens/pagelens/internal/store/rabbitmq"
	"github.com/pagelens/pagelens/internal/store/redisstore"
)

func NewRouter(db *gorm.DB, cfg config.Config, cache *redisstore.Store, rabbit *rabbitmq.Publisher) *gin.Engine {
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

	h := handlers.NewHandler(db, cfg, cache, rabbit)

	r.GET("/ping", func(c *gin.Context) { common.OK(c, gin.H{"pong": true}) })

	// accounts
	r.POST("/users", h.Register)
	r.POST("/login", h.Login)

	// query surface: open to both session kinds, classified by middleware
	sessionGroup := r.Group("/")
	sessionGroup.Use(middleware.ResolveSession(cfg.JWTSecret))
	sessionGroup.POST("/query", h.Ask)
	sessionGroup.POST("/query/async", h.AskAsync)
	sessionGroup.GET("/query/jobs/:job_id", h.GetQueryJob)
	sessionGroup.GET("/session", h.GetSession)

	// JWT required
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)
	authGroup.POST("/logout", h.Logout)

	return r
}
