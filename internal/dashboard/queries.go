package dashboard

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/earlbridge/earl/internal/config"
	"github.com/earlbridge/earl/internal/heartbeat"
	"github.com/earlbridge/earl/internal/models"
	"github.com/earlbridge/earl/internal/registry"
	"github.com/earlbridge/earl/internal/terminal"
)

// ThreadRow is one registry.ThreadSummary adapted for template rendering.
type ThreadRow struct {
	registry.ThreadSummary
}

// ThreadSummaries lists every known thread, most recently active first.
func ThreadSummaries(reg *registry.Registry) ([]ThreadRow, error) {
	summaries, err := reg.Snapshot()
	if err != nil {
		return nil, err
	}
	rows := make([]ThreadRow, len(summaries))
	for i, s := range summaries {
		rows[i] = ThreadRow{s}
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].LastActivityAt.After(rows[j].LastActivityAt)
	})
	return rows, nil
}

// HeartbeatRow pairs a definition with its current scheduler state.
type HeartbeatRow struct {
	config.HeartbeatDef
	heartbeat.State
}

// HeartbeatSummaries lists every configured heartbeat with its live state.
func HeartbeatSummaries(defs []config.HeartbeatDef, sched *heartbeat.Scheduler) []HeartbeatRow {
	states := map[string]heartbeat.State{}
	if sched != nil {
		states = sched.Snapshot()
	}
	rows := make([]HeartbeatRow, len(defs))
	for i, def := range defs {
		rows[i] = HeartbeatRow{HeartbeatDef: def, State: states[def.Name]}
	}
	return rows
}

// RecentTurnLogs returns the most recent AgentTurnLog rows for a thread, or
// nil if db is nil (history panels are optional).
func RecentTurnLogs(db *gorm.DB, threadID string, limit int) []models.AgentTurnLog {
	if db == nil {
		return nil
	}
	var rows []models.AgentTurnLog
	db.Where("thread_id = ?", threadID).Order("created_at DESC").Limit(limit).Find(&rows)
	return rows
}

// RecentHeartbeatRuns returns the most recent HeartbeatRunLog rows for a
// named definition, or nil if db is nil.
func RecentHeartbeatRuns(db *gorm.DB, name string, limit int) []models.HeartbeatRunLog {
	if db == nil {
		return nil
	}
	var rows []models.HeartbeatRunLog
	db.Where("name = ?", name).Order("started_at DESC").Limit(limit).Find(&rows)
	return rows
}

// gitRemoteRE matches both SSH and HTTPS GitHub remote URL forms found in a
// .git/config "url = ..." line.
var gitRemoteRE = regexp.MustCompile(`github\.com[:/]([\w.-]+)/([\w.-]+?)(\.git)?$`)

// RepoForWorkingDir best-effort parses a GitHub owner/repo out of
// <workingDir>/.git/config. Returns ok=false if the working dir isn't a
// GitHub checkout or has no git config. No dashboard route or template
// calls it or LatestCommit; the pages show no GitHub data.
func RepoForWorkingDir(workingDir string) (owner, repo string, ok bool) {
	f, err := os.Open(filepath.Join(workingDir, ".git", "config"))
	if err != nil {
		return "", "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := gitRemoteRE.FindStringSubmatch(scanner.Text())
		if m != nil {
			return m[1], m[2], true
		}
	}
	return "", "", false
}

// RecentCommit is the subset of GitHub commit metadata the dashboard shows.
type RecentCommit struct {
	SHA     string
	Message string
	Author  string
	When    time.Time
}

// githubClient builds a GitHub REST client, authenticated via
// GITHUB_TOKEN when set so the dashboard's activity panel isn't limited
// to the unauthenticated API's 60-requests-per-hour ceiling.
func githubClient(ctx context.Context) *github.Client {
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		return github.NewClient(nil)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

// LatestCommit fetches the most recent commit for owner/repo, best-effort:
// any error (rate limit, private repo, network) yields ok=false rather
// than failing the page.
func LatestCommit(ctx context.Context, owner, repo string) (RecentCommit, bool) {
	client := githubClient(ctx)
	commits, _, err := client.Repositories.ListCommits(ctx, owner, repo, &github.CommitsListOptions{
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil || len(commits) == 0 {
		return RecentCommit{}, false
	}
	c := commits[0]
	out := RecentCommit{SHA: c.GetSHA()}
	if commit := c.GetCommit(); commit != nil {
		out.Message = commit.GetMessage()
		if author := commit.GetAuthor(); author != nil {
			out.Author = author.GetName()
			out.When = author.GetDate().Time
		}
	}
	return out, true
}

// TerminalSnapshot returns the Terminal Monitor's currently registered
// panes, or nil if mon is nil.
func TerminalSnapshot(mon *terminal.Monitor) []terminal.PaneSnapshot {
	if mon == nil {
		return nil
	}
	return mon.Snapshot()
}
