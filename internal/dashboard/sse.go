package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// threadsEvent is the SSE payload sent whenever the registry snapshot
// changes.
type threadsEvent struct {
	Threads []ThreadRow `json:"threads"`
}

// handleSSE polls the registry's thread summaries for changes and pushes
// them to the client, the same poll-and-diff shape the teacher uses
// for escalation alerts (internal/dashboard/sse.go), retargeted from a DB
// query onto in-memory snapshots.
func handleSSE(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		ctx := c.Request.Context()
		ticker := time.NewTicker(3 * time.Second)
		heartbeatTick := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeatTick.Stop()

		var lastDigest string
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeatTick.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				threads, err := ThreadSummaries(opts.Registry)
				if err != nil {
					continue
				}
				digest := digestThreads(threads)
				if digest == lastDigest {
					continue
				}
				lastDigest = digest
				writeSSE(c.Writer, "threads", threadsEvent{Threads: threads})
				c.Writer.Flush()
			}
		}
	}
}

// digestThreads builds a cheap change-detection key from thread state, so
// the SSE loop only pushes an event when something actually moved.
func digestThreads(threads []ThreadRow) string {
	data, err := json.Marshal(threads)
	if err != nil {
		return ""
	}
	return string(data)
}

func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
