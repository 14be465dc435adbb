package dashboard

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/", handleIndex(opts))
	router.GET("/threads/:id", handleThreadDetail(opts))
	router.GET("/heartbeats/:name", handleHeartbeatDetail(opts))

	router.GET("/partials/threads", handlePartialsThreads(opts))
	router.GET("/partials/heartbeats", handlePartialsHeartbeats(opts))

	router.GET("/api/events", handleSSE(opts))
}

// dashboardData gathers all data needed for the index page.
func dashboardData(opts StartOpts) gin.H {
	threads, err := ThreadSummaries(opts.Registry)
	if err != nil {
		log.Printf("dashboard: thread snapshot: %v", err)
	}
	return gin.H{
		"Threads":    threads,
		"Heartbeats": HeartbeatSummaries(opts.HeartbeatDefs, opts.Heartbeats),
		"Terminals":  TerminalSnapshot(opts.Terminal),
	}
}

func handleIndex(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.HTML(http.StatusOK, "layout.html", dashboardData(opts))
	}
}

func handlePartialsThreads(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.HTML(http.StatusOK, "threads_fragment", dashboardData(opts))
	}
}

func handlePartialsHeartbeats(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.HTML(http.StatusOK, "heartbeats_fragment", dashboardData(opts))
	}
}

func handleThreadDetail(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		threads, err := ThreadSummaries(opts.Registry)
		if err != nil {
			log.Printf("dashboard: thread snapshot: %v", err)
		}
		var found *ThreadRow
		for i := range threads {
			if threads[i].ThreadID == id {
				found = &threads[i]
				break
			}
		}
		if found == nil {
			c.HTML(http.StatusNotFound, "layout.html", gin.H{"Error": "thread not found: " + id})
			return
		}
		c.HTML(http.StatusOK, "thread_detail.html", gin.H{
			"Thread": found,
			"Turns":  RecentTurnLogs(opts.DB, id, 50),
		})
	}
}

func handleHeartbeatDetail(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		rows := HeartbeatSummaries(opts.HeartbeatDefs, opts.Heartbeats)
		var found *HeartbeatRow
		for i := range rows {
			if rows[i].Name == name {
				found = &rows[i]
				break
			}
		}
		if found == nil {
			c.HTML(http.StatusNotFound, "layout.html", gin.H{"Error": "heartbeat not found: " + name})
			return
		}
		c.HTML(http.StatusOK, "heartbeat_detail.html", gin.H{
			"Heartbeat": found,
			"Runs":      RecentHeartbeatRuns(opts.DB, name, 50),
		})
	}
}
