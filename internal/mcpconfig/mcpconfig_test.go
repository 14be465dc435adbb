package mcpconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWrite_EmptySessionIDErrors(t *testing.T) {
	if _, err := Write(t.TempDir(), "", "earl_permission_prompt", Server{Command: "earl"}, ""); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestWrite_CreatesFreshFileWithBuiltinOnly(t *testing.T) {
	dir := t.TempDir()
	path, err := Write(dir, "sess-1", "earl_permission_prompt", Server{Command: "earl", Args: []string{"mcp-permission"}}, "")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	wantPath := filepath.Join(dir, "earl-mcp-sess-1.json")
	if path != wantPath {
		t.Errorf("path = %q, want %q", path, wantPath)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
	}

	var got fileShape
	readJSON(t, path, &got)
	if len(got.MCPServers) != 1 {
		t.Fatalf("mcpServers count = %d, want 1", len(got.MCPServers))
	}
	if got.MCPServers["earl_permission_prompt"].Command != "earl" {
		t.Errorf("builtin entry missing or wrong: %+v", got.MCPServers)
	}
}

func TestWrite_MergesUserServersAndBuiltinWins(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "mcp_servers.json")
	writeJSON(t, userPath, fileShape{MCPServers: map[string]Server{
		"custom_tool":            {Command: "custom", Args: []string{"--flag"}},
		"earl_permission_prompt": {Command: "should-be-overridden"},
	}})

	path, err := Write(dir, "sess-2", "earl_permission_prompt", Server{Command: "earl"}, userPath)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got fileShape
	readJSON(t, path, &got)
	if len(got.MCPServers) != 2 {
		t.Fatalf("mcpServers count = %d, want 2 (custom_tool + earl_permission_prompt)", len(got.MCPServers))
	}
	if got.MCPServers["custom_tool"].Command != "custom" {
		t.Errorf("expected user-supplied custom_tool to survive the merge, got %+v", got.MCPServers["custom_tool"])
	}
	if got.MCPServers["earl_permission_prompt"].Command != "earl" {
		t.Errorf("expected builtin to win the key collision, got %+v", got.MCPServers["earl_permission_prompt"])
	}
}

func TestWrite_MalformedUserServersFileIsTolerated(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "mcp_servers.json")
	if err := os.WriteFile(userPath, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write malformed file: %v", err)
	}

	path, err := Write(dir, "sess-3", "earl_permission_prompt", Server{Command: "earl"}, userPath)
	if err != nil {
		t.Fatalf("Write should tolerate malformed user servers file, got error: %v", err)
	}

	var got fileShape
	readJSON(t, path, &got)
	if len(got.MCPServers) != 1 {
		t.Fatalf("mcpServers count = %d, want 1 (builtin only)", len(got.MCPServers))
	}
}

func TestWrite_MissingUserServersFileIsTolerated(t *testing.T) {
	dir := t.TempDir()
	_, err := Write(dir, "sess-4", "earl_permission_prompt", Server{Command: "earl"}, filepath.Join(dir, "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Write should tolerate a missing user servers file, got: %v", err)
	}
}

func TestCleanupStale_RemovesNonActiveSessionFiles(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"keep-1", "drop-1", "drop-2"} {
		if _, err := Write(dir, id, "earl_permission_prompt", Server{Command: "earl"}, ""); err != nil {
			t.Fatalf("Write(%s): %v", id, err)
		}
	}
	// A file that doesn't match the naming shape must be left alone.
	otherPath := filepath.Join(dir, "mcp_servers.json")
	if err := os.WriteFile(otherPath, []byte("{}"), 0644); err != nil {
		t.Fatalf("write other file: %v", err)
	}

	if err := CleanupStale(dir, []string{"keep-1"}); err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}

	assertExists(t, filepath.Join(dir, "earl-mcp-keep-1.json"), true)
	assertExists(t, filepath.Join(dir, "earl-mcp-drop-1.json"), false)
	assertExists(t, filepath.Join(dir, "earl-mcp-drop-2.json"), false)
	assertExists(t, otherPath, true)
}

func TestCleanupStale_EmptyActiveListRemovesAll(t *testing.T) {
	dir := t.TempDir()
	if _, err := Write(dir, "sess-a", "earl_permission_prompt", Server{Command: "earl"}, ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := CleanupStale(dir, nil); err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	assertExists(t, filepath.Join(dir, "earl-mcp-sess-a.json"), false)
}

func TestCleanupStale_MissingDirIsNotAnError(t *testing.T) {
	if err := CleanupStale(filepath.Join(t.TempDir(), "nope"), []string{"x"}); err != nil {
		t.Fatalf("CleanupStale on missing dir: %v", err)
	}
}

func TestRemoveForSession_IdempotentOnAlreadyGone(t *testing.T) {
	dir := t.TempDir()
	if err := RemoveForSession(dir, "never-written"); err != nil {
		t.Fatalf("RemoveForSession on nonexistent file: %v", err)
	}
}

func TestRemoveForSession_RemovesWrittenFile(t *testing.T) {
	dir := t.TempDir()
	path, err := Write(dir, "sess-5", "earl_permission_prompt", Server{Command: "earl"}, "")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := RemoveForSession(dir, "sess-5"); err != nil {
		t.Fatalf("RemoveForSession: %v", err)
	}
	assertExists(t, path, false)
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("Unmarshal(%s): %v", path, err)
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

func assertExists(t *testing.T, path string, want bool) {
	t.Helper()
	_, err := os.Stat(path)
	got := err == nil
	if got != want {
		t.Errorf("exists(%s) = %v, want %v (stat err: %v)", path, got, want, err)
	}
}
