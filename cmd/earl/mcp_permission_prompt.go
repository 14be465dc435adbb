package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/earlbridge/earl/internal/chat"
	"github.com/earlbridge/earl/internal/chat/mattermost"
	"github.com/earlbridge/earl/internal/config"
)

// builtinPermissionToolName must match internal/runner's unexported
// permissionToolName: it is both the mcpServers key runner.prepareMCPConfig
// writes and the single tool this server exposes, so the
// --permission-prompt-tool value runner passes to the assistant CLI
// resolves to this handler (spec.md §6.1).
const builtinPermissionToolName = "earl_permission_prompt"

// permissionPromptTimeout bounds how long the builtin permission-prompt
// server waits for an approve/deny reaction before failing closed, per
// spec.md §6.1's built-in permission-prompt entry.
const permissionPromptTimeout = 5 * time.Minute

const (
	approveEmoji = "white_check_mark"
	denyEmoji    = "x"
)

// newMCPPermissionPromptCmd returns a stdio MCP server (spawned by the
// Claude Code CLI itself via --permission-prompt-tool) exposing a single
// tool: each tool-call request is relayed into the originating chat
// thread as an approve/deny question, and the reaction reply becomes the
// MCP tool result. This subcommand is entirely self-contained — it is a
// fresh OS process with no access to the running earl daemon's memory —
// so it loads its own config and opens its own short-lived chat
// connection, following the same independent-per-subcommand wiring the
// teacher's own cobra subcommands use (cmd/ry/start.go, telegraph.go)
// rather than calling back into a control-plane API.
func newMCPPermissionPromptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    permissionToolSubcommand,
		Short:  "Internal MCP permission-prompt server (invoked by claude, not by users)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCPPermissionPrompt(cmd.Context())
		},
	}
	return cmd
}

// permissionToolSubcommand mirrors internal/runner's unexported constant
// of the same name (the argv[0] subcommand runner.prepareMCPConfig wires
// into the builtin server's Command/Args).
const permissionToolSubcommand = "mcp-permission-prompt"

func runMCPPermissionPrompt(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("mcp-permission-prompt: %w", err)
	}

	threadID := os.Getenv("EARL_THREAD_ID")
	channelID := os.Getenv("EARL_CHANNEL_ID")
	if threadID == "" || channelID == "" {
		return fmt.Errorf("mcp-permission-prompt: EARL_THREAD_ID and EARL_CHANNEL_ID must be set")
	}

	adapter, err := mattermost.New(mattermost.Opts{
		ServerURL: cfg.MattermostURL,
		BotToken:  cfg.MattermostToken,
	})
	if err != nil {
		return fmt.Errorf("mcp-permission-prompt: build chat adapter: %w", err)
	}
	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("mcp-permission-prompt: connect: %w", err)
	}
	defer adapter.Close()

	reactions, err := adapter.Reactions(ctx)
	if err != nil {
		return fmt.Errorf("mcp-permission-prompt: reactions: %w", err)
	}

	p := &promptServer{
		adapter:   adapter,
		reactions: reactions,
		channelID: channelID,
		threadID:  threadID,
	}

	mcpServer := server.NewMCPServer(builtinPermissionToolName, "1.0.0", server.WithToolCapabilities(false))
	tool := mcp.NewTool(builtinPermissionToolName,
		mcp.WithDescription("Ask a human in chat to approve or deny a tool call before it runs."),
		mcp.WithString("tool_name", mcp.Required(), mcp.Description("Name of the tool the assistant wants to invoke")),
	)
	mcpServer.AddTool(tool, p.handle)

	return server.ServeStdio(mcpServer)
}

// promptServer relays one chat-backed approve/deny round-trip per
// tool-call, for as long as the Claude CLI keeps this process alive.
type promptServer struct {
	adapter   chat.Adapter
	reactions <-chan chat.ReactionEvent
	channelID string
	threadID  string
}

// promptResult is the JSON shape Claude Code's permission-prompt-tool
// protocol expects as the tool's text result.
type promptResult struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

func (p *promptServer) handle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	toolName, _ := args["tool_name"].(string)
	input, _ := args["input"].(map[string]any)
	if toolName == "" {
		return mcp.NewToolResultError("tool_name is required"), nil
	}

	inputJSON, _ := json.MarshalIndent(input, "", "  ")
	question := fmt.Sprintf("🔐 permission requested for **%s**\n```json\n%s\n```\nReact %s to allow or %s to deny.",
		toolName, string(inputJSON), emojiTag(approveEmoji), emojiTag(denyEmoji))

	postID, err := p.adapter.CreatePost(ctx, p.channelID, p.threadID, question)
	if err != nil {
		return resultJSON(promptResult{Behavior: "deny", Message: fmt.Sprintf("failed to post prompt: %v", err)}), nil
	}
	if err := p.adapter.AddReaction(ctx, postID, approveEmoji); err != nil {
		return resultJSON(promptResult{Behavior: "deny", Message: fmt.Sprintf("failed to add reaction: %v", err)}), nil
	}
	if err := p.adapter.AddReaction(ctx, postID, denyEmoji); err != nil {
		return resultJSON(promptResult{Behavior: "deny", Message: fmt.Sprintf("failed to add reaction: %v", err)}), nil
	}

	timeout := time.NewTimer(permissionPromptTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return resultJSON(promptResult{Behavior: "deny", Message: "context cancelled"}), nil

		case <-timeout.C:
			return resultJSON(promptResult{Behavior: "deny", Message: "permission prompt timed out"}), nil

		case ev, ok := <-p.reactions:
			if !ok {
				return resultJSON(promptResult{Behavior: "deny", Message: "reaction channel closed"}), nil
			}
			if ev.PostID != postID {
				continue
			}
			switch ev.EmojiName {
			case approveEmoji:
				return resultJSON(promptResult{Behavior: "allow", UpdatedInput: input}), nil
			case denyEmoji:
				return resultJSON(promptResult{Behavior: "deny", Message: "denied in chat"}), nil
			}
		}
	}
}

func emojiTag(name string) string { return ":" + name + ":" }

func resultJSON(r promptResult) *mcp.CallToolResult {
	data, err := json.Marshal(r)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}
