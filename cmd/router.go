package main

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	server "zerodependency.co.uk/haia/snippets/balltrack/server"
	"zerodependency.co.uk/haia/snippets/balltrack/server/transport"
)

// routes are the optional pieces mounted on the router. Nil members are
// left out.
type routes struct {
	registry  *server.Registry
	polling   *transport.Polling
	websocket http.Handler
	staticDir string
}

func newRouter(r routes) *gin.Engine {
	e := gin.New()

	e.Use(gin.Recovery())
	e.Use(cors.Default())

	e.GET("/healthz", httpHealth(r.registry))
	e.GET("/sessions", httpGetSessions(r.registry))
	e.GET("/sessions/:ID", httpGetSession(r.registry))
	e.GET("/sessions/:ID/position", httpGetPosition(r.registry))

	if r.polling != nil {
		r.polling.Register(e)
	}
	if r.websocket != nil {
		e.GET("/ws", gin.WrapH(r.websocket))
	}
	if r.staticDir != "" {
		e.NoRoute(gin.WrapH(http.FileServer(http.Dir(r.staticDir))))
	}

	return e
}

func httpHealth(registry *server.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": registry.Len(),
		})
	}
}

func httpGetSessions(registry *server.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, registry.List())
	}
}

func lookupSession(registry *server.Registry, c *gin.Context) (*server.Session, bool) {
	ID := c.Param("ID")
	if ID == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return nil, false
	}

	s, ok := registry.Get(ID)
	if !ok {
		log.WithFields(log.Fields{
			"ID": ID,
		}).Debug("unable to find session for ID")
		c.AbortWithStatus(http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func httpGetSession(registry *server.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := lookupSession(registry, c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, s.Info())
	}
}

// httpGetPosition serves the latest rendered ball position, or 204 before
// the first frame.
func httpGetPosition(registry *server.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := lookupSession(registry, c)
		if !ok {
			return
		}

		sample, ok := s.GroundTruth()
		if !ok {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, sample)
	}
}
