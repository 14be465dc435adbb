// Package dashboard is a read-only HTTP view over the Session Registry,
// Heartbeat Scheduler, and Terminal Monitor state (SPEC_FULL.md §4.11),
// pushed live via SSE. Grounded on the teacher's internal/dashboard
// package structure (server.go/routes.go/queries.go/sse.go kept verbatim
// in shape), retargeted from car/engine/track read-models onto EARL's
// thread/heartbeat domain.
package dashboard

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/earlbridge/earl/internal/config"
	"github.com/earlbridge/earl/internal/heartbeat"
	"github.com/earlbridge/earl/internal/registry"
	"github.com/earlbridge/earl/internal/terminal"
)

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Registry   *registry.Registry
	Heartbeats *heartbeat.Scheduler
	HeartbeatDefs []config.HeartbeatDef
	Terminal   *terminal.Monitor
	DB         *gorm.DB // telemetry history; nil disables history panels
	Port       int
	Out        io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Registry == nil {
		return fmt.Errorf("dashboard: registry is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	tmpl, err := parseTemplates()
	if err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	router.SetHTMLTemplate(tmpl)

	registerRoutes(router, opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{"timeAgo": TimeAgo}
}

func parseTemplates() (*template.Template, error) {
	tmpl, err := template.New("").Funcs(templateFuncs()).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return tmpl, nil
}

// TimeAgo formats a time as a human-readable relative duration.
func TimeAgo(t time.Time) string {
	if t.IsZero() {
		return "—"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(math.Round(d.Seconds())))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
