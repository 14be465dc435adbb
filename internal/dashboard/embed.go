package dashboard

import "embed"

// templatesFS holds the dashboard's html/template sources. The teacher's
// own internal/dashboard package assumes a templatesFS of this shape
// (server.go parses it via ParseFS(templatesFS, "templates/*.html")) but
// never actually embeds one; these templates are authored fresh for EARL.
//
//go:embed templates/*.html
var templatesFS embed.FS
