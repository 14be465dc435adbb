package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/earlbridge/earl/internal/chat/mattermost"
	"github.com/earlbridge/earl/internal/command"
	"github.com/earlbridge/earl/internal/config"
	"github.com/earlbridge/earl/internal/dashboard"
	"github.com/earlbridge/earl/internal/db"
	"github.com/earlbridge/earl/internal/heartbeat"
	"github.com/earlbridge/earl/internal/question"
	"github.com/earlbridge/earl/internal/queue"
	"github.com/earlbridge/earl/internal/registry"
	"github.com/earlbridge/earl/internal/runner"
	"github.com/earlbridge/earl/internal/terminal"
)

const (
	idleReaperPoll      = time.Minute
	idleReaperThreshold = 4 * time.Hour
)

func newRunCmd() *cobra.Command {
	var (
		dashboardPort int
		noDashboard   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the earl bridge daemon",
		Long:  "Connects to the configured chat platform, spawns and streams Claude Code sessions per thread, and runs scheduled heartbeats until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, dashboardPort, noDashboard)
		},
	}

	cmd.Flags().IntVar(&dashboardPort, "dashboard-port", 8080, "port for the read-only admin dashboard")
	cmd.Flags().BoolVar(&noDashboard, "no-dashboard", false, "disable the admin dashboard")
	return cmd
}

// runnerRef forwards command.Killer/Restarter/Updater to a *runner.Runner
// assigned after construction, breaking the cycle between command.New
// (which needs a Killer/Restarter/Updater) and runner.New (which needs
// the resulting Executor).
type runnerRef struct{ r *runner.Runner }

func (ref *runnerRef) KillThread(threadID string) error { return ref.r.KillThread(threadID) }
func (ref *runnerRef) Restart() error                   { return ref.r.Restart() }
func (ref *runnerRef) Update() error                    { return ref.r.Update() }

func runDaemon(cmd *cobra.Command, dashboardPort int, noDashboard bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	restartCtx, hadRestartCtx := readRestartContext(cfg.ConfigRoot)

	store := registry.NewStore(filepath.Join(cfg.ConfigRoot, "sessions.json"))
	reg := registry.New(store, nil)

	adapter, err := mattermost.New(mattermost.Opts{
		ServerURL: cfg.MattermostURL,
		BotToken:  cfg.MattermostToken,
	})
	if err != nil {
		return fmt.Errorf("run: build chat adapter: %w", err)
	}

	q := queue.New()
	mediator := question.New(adapter)
	terminalMon := terminal.New(terminal.RealTmux{}, adapter, time.Duration(cfg.TmuxPollSec)*time.Second)

	ref := &runnerRef{}
	executor := command.New(reg, ref, ref, ref)

	// Constructed once with heartbeats=nil (permitted; Runner treats a nil
	// scheduler as "not configured"), then rebuilt below once rn.RunHeartbeat
	// exists, since heartbeat.New needs that as its RunFunc.
	rn := runner.New(adapter, reg, q, mediator, executor, cfg, nil, terminalMon)
	ref.r = rn

	heartbeats, err := heartbeat.New(cfg.Heartbeats, rn.RunHeartbeat)
	if err != nil {
		return fmt.Errorf("run: build heartbeat scheduler: %w", err)
	}
	rn = runner.New(adapter, reg, q, mediator, executor, cfg, heartbeats, terminalMon)
	ref.r = rn

	gormDB, err := db.Connect(filepath.Join(cfg.ConfigRoot, "earl.db"))
	if err != nil {
		fmt.Fprintf(out, "run: telemetry db unavailable, history panels disabled: %v\n", err)
		gormDB = nil
	} else if err := db.AutoMigrate(gormDB); err != nil {
		fmt.Fprintf(out, "run: telemetry db migrate failed, history panels disabled: %v\n", err)
		gormDB = nil
	}

	if err := writePIDFile(cfg.ConfigRoot); err != nil {
		fmt.Fprintf(out, "run: write pidfile: %v\n", err)
	}
	defer removePIDFile(cfg.ConfigRoot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			// earl restart (cmd/earl/restart.go) sends SIGHUP to request
			// a restart rather than a plain shutdown.
			rn.Restart()
		} else {
			rn.Shutdown(ctx)
		}
		// Shutdown/Restart only flip state and pause sessions in the
		// background; cancel ctx directly so the main select loop below
		// observes it and exits.
		cancel()
	}()

	fmt.Fprintf(out, "earl connecting to %s...\n", cfg.MattermostURL)
	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("run: connect: %w", err)
	}
	defer adapter.Close()

	inbound, err := adapter.Listen(ctx)
	if err != nil {
		return fmt.Errorf("run: listen: %w", err)
	}
	reactions, err := adapter.Reactions(ctx)
	if err != nil {
		return fmt.Errorf("run: reactions: %w", err)
	}

	reg.ResumeAll(ctx, func(threadID string, ps registry.PersistedSession) registry.SessionConfig {
		return sessionConfigFor(cfg, ps.ChannelID, ps.WorkingDir)
	})
	if err := rn.CleanupStaleMCPConfigs(); err != nil {
		fmt.Fprintf(out, "run: cleanup stale mcp configs: %v\n", err)
	}
	rn.StartIdleReaper(ctx, idleReaperPoll, idleReaperThreshold)
	heartbeats.Start(ctx)
	terminalMon.Start(ctx)

	if !noDashboard {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				Registry:      reg,
				Heartbeats:    heartbeats,
				HeartbeatDefs: cfg.Heartbeats,
				Terminal:      terminalMon,
				DB:            gormDB,
				Port:          dashboardPort,
				Out:           out,
			})
			if err != nil {
				log.Printf("run: dashboard: %v", err)
			}
		}()
	}

	if hadRestartCtx {
		notice := fmt.Sprintf("🔄 back up after %s", restartCtx.Command)
		if _, err := adapter.CreatePost(ctx, restartCtx.ChannelID, restartCtx.ThreadID, notice); err != nil {
			log.Printf("run: post restart notice: %v", err)
		}
		removeRestartContext(cfg.ConfigRoot)
	}

	fmt.Fprintf(out, "earl online\n")

	for {
		select {
		case <-ctx.Done():
			return finishShutdown(cfg, rn, out)

		case msg, ok := <-inbound:
			if !ok {
				return finishShutdown(cfg, rn, out)
			}
			if rn.ShuttingDown() {
				continue
			}
			go rn.HandleInboundMessage(ctx, msg)

		case ev, ok := <-reactions:
			if !ok {
				continue
			}
			go rn.HandleReaction(ctx, ev)
		}
	}
}

// sessionConfigFor builds a registry.SessionConfig for a channel,
// resolving its working directory from cfg.Channels when the caller
// (e.g. ResumeAll for a record with no persisted working dir) has none.
func sessionConfigFor(cfg *config.Config, channelID, workingDir string) registry.SessionConfig {
	if workingDir == "" {
		for _, c := range cfg.Channels {
			if c.ID == channelID {
				workingDir = c.WorkingDir
				break
			}
		}
	}
	return registry.SessionConfig{
		ChannelID:      channelID,
		WorkingDir:     workingDir,
		Model:          cfg.Model,
		SkipPermission: cfg.SkipPermission,
	}
}

// finishShutdown waits for the Runner's background shutdown to settle,
// then either re-execs the process (restart/update) or returns plainly.
func finishShutdown(cfg *config.Config, rn *runner.Runner, out io.Writer) error {
	// PauseAll/Stop run in Shutdown's own goroutine; give them a grace
	// period before inspecting pending restart/update or re-exec'ing.
	time.Sleep(2 * time.Second)

	if !rn.PendingRestart() {
		fmt.Fprintln(out, "earl stopped")
		return nil
	}

	if rn.PendingUpdate() {
		fmt.Fprintln(out, "earl: running update procedure before restart")
		if err := runUpdateProcedure(); err != nil {
			return fmt.Errorf("run: update: %w", err)
		}
	}

	channelID, threadID, commandName := rn.RestartOrigin()
	if channelID != "" {
		if err := writeRestartContext(cfg.ConfigRoot, restartContext{
			ChannelID: channelID,
			ThreadID:  threadID,
			Command:   commandName,
		}); err != nil {
			fmt.Fprintf(out, "run: write restart context: %v\n", err)
		}
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("run: resolve executable: %w", err)
	}
	fmt.Fprintln(out, "earl restarting...")
	return syscall.Exec(self, os.Args, os.Environ())
}

// restartContext is the transient channel/thread/command-name record
// written before a restart/update re-exec, per spec.md §4.11 and the
// restart_context.json glossary entry.
type restartContext struct {
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id"`
	Command   string `json:"command"`
}

func restartContextPath(configRoot string) string {
	return filepath.Join(configRoot, "restart_context.json")
}

func writeRestartContext(configRoot string, rc restartContext) error {
	data, err := json.Marshal(rc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configRoot, 0700); err != nil {
		return err
	}
	return os.WriteFile(restartContextPath(configRoot), data, 0600)
}

func readRestartContext(configRoot string) (restartContext, bool) {
	data, err := os.ReadFile(restartContextPath(configRoot))
	if err != nil {
		return restartContext{}, false
	}
	var rc restartContext
	if err := json.Unmarshal(data, &rc); err != nil {
		return restartContext{}, false
	}
	if rc.ChannelID == "" {
		return restartContext{}, false
	}
	return rc, true
}

func removeRestartContext(configRoot string) {
	os.Remove(restartContextPath(configRoot))
}

// pidFilePath is where the running daemon's pid is recorded, so `earl
// restart` (a separate process invocation) can find it and signal it.
func pidFilePath(configRoot string) string {
	return filepath.Join(configRoot, "earl.pid")
}

func writePIDFile(configRoot string) error {
	if err := os.MkdirAll(configRoot, 0700); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(configRoot), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600)
}

func removePIDFile(configRoot string) {
	os.Remove(pidFilePath(configRoot))
}

// runUpdateProcedure rebuilds the earl binary in place ahead of a re-exec,
// per spec.md §4.11's !update semantics ("run the repo's
// update-dependencies procedure"). Assumes the working directory is a
// checkout of the earl module, matching how the bridge is deployed.
func runUpdateProcedure() error {
	pull := exec.Command("git", "pull", "--ff-only")
	pull.Stdout = os.Stdout
	pull.Stderr = os.Stderr
	if err := pull.Run(); err != nil {
		return fmt.Errorf("git pull: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	build := exec.Command("go", "build", "-o", self, "./cmd/earl")
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	return build.Run()
}
