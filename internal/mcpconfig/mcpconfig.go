// Package mcpconfig writes and cleans up the per-session MCP configuration
// files the assistant CLI reads via --mcp-config (spec.md §6.1).
//
// Grounded on the teacher's internal/dispatch/mcp.go (WriteDispatchMCPConfig):
// same read-merge-write of a top-level mcpServers map, generalized from a
// single fixed railyard_cocoindex entry to a built-in permission-prompt
// server (which always wins a key collision) merged with an arbitrary
// user-supplied mcp_servers.json, and from mode 0644 to the 0600 spec.md
// mandates for session-scoped files.
package mcpconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Server is one entry under mcpServers in the generated config.
type Server struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// fileShape is the on-disk JSON document shape, per spec.md §6.1.
type fileShape struct {
	MCPServers map[string]Server `json:"mcpServers"`
}

const filePrefix = "earl-mcp-"
const fileSuffix = ".json"

// pathFor returns the per-session config path within mcpDir, per spec.md
// §3's "mcp/earl-mcp-<session_id>.json" layout.
func pathFor(mcpDir, sessionID string) string {
	return filepath.Join(mcpDir, filePrefix+sessionID+fileSuffix)
}

// Write builds and writes the per-session MCP config file: builtinName's
// Server always takes precedence over any same-named entry from
// userServersPath, whose own entries (if the file exists and parses) are
// merged in underneath it. userServersPath is tolerant of a missing or
// malformed file — both are treated as "no user servers" rather than an
// error, since spec.md §3 marks mcp_servers.json "read-only; tolerant of
// malformed input". Returns the written file's path.
func Write(mcpDir, sessionID, builtinName string, builtin Server, userServersPath string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("mcpconfig: session id is empty")
	}

	merged := fileShape{MCPServers: make(map[string]Server)}

	if userServersPath != "" {
		if data, err := os.ReadFile(userServersPath); err == nil {
			var user fileShape
			if err := json.Unmarshal(data, &user); err == nil {
				for name, srv := range user.MCPServers {
					merged.MCPServers[name] = srv
				}
			}
		}
	}

	merged.MCPServers[builtinName] = builtin

	if err := os.MkdirAll(mcpDir, 0700); err != nil {
		return "", fmt.Errorf("mcpconfig: create dir %s: %w", mcpDir, err)
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return "", fmt.Errorf("mcpconfig: marshal: %w", err)
	}

	path := pathFor(mcpDir, sessionID)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("mcpconfig: write %s: %w", path, err)
	}
	return path, nil
}

// sessionIDFromName extracts the session-id stem from an
// "earl-mcp-<id>.json" filename, or returns ok=false if name doesn't match
// that shape.
func sessionIDFromName(name string) (string, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	stem := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	if stem == "" {
		return "", false
	}
	return stem, true
}

// CleanupStale removes every per-session MCP config file in mcpDir whose
// session-id stem is not in active, per spec.md §4's "cleanup_mcp_configs
// with empty active list removes all session-config files" idempotency
// note. A missing mcpDir is not an error.
func CleanupStale(mcpDir string, active []string) error {
	entries, err := os.ReadDir(mcpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("mcpconfig: read dir %s: %w", mcpDir, err)
	}

	keep := make(map[string]struct{}, len(active))
	for _, id := range active {
		keep[id] = struct{}{}
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := sessionIDFromName(e.Name())
		if !ok {
			continue
		}
		if _, ok := keep[id]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(mcpDir, e.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("mcpconfig: remove %s: %w", e.Name(), err)
		}
	}
	return nil
}

// RemoveForSession removes a single session's config file, if present. Used
// on session kill so an individual cleanup doesn't need the full active-list
// form CleanupStale requires.
func RemoveForSession(mcpDir, sessionID string) error {
	err := os.Remove(pathFor(mcpDir, sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("mcpconfig: remove session %s config: %w", sessionID, err)
	}
	return nil
}
