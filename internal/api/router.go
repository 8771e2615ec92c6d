package api

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/metrics"
)

// NewRouter builds the HTTP engine. allowedOrigins is a comma-separated list.
func NewRouter(h *Handler, m *metrics.Collector, allowedOrigins string, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), AccessLog(logger))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     splitOrigins(allowedOrigins),
		AllowCredentials: true,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", userIDHeader, requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader},
	}))

	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}
	h.Register(router)
	return router
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	return origins
}
