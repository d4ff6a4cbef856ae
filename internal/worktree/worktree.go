// Package worktree allocates one git worktree per task so concurrent
// agent sessions never share a checkout. Allocation is exclusive: a task
// holds at most one worktree until it is released.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
)

// DefaultBranchPrefix prefixes worktree branches when the config leaves
// the prefix empty.
const DefaultBranchPrefix = "stoneforge/"

var collapseHyphens = regexp.MustCompile(`-+`)

// Config holds worktree manager settings.
type Config struct {
	// RepoPath is the git repository worktrees are carved from.
	RepoPath string
	// BasePath is the directory that holds the worktree checkouts.
	BasePath string
	// BranchPrefix prefixes every worktree branch name.
	BranchPrefix string
}

// Validate checks the config for required fields.
func (c Config) Validate() error {
	if c.RepoPath == "" {
		return entity.NewValidationError("repoPath", "repository path is required")
	}
	if c.BasePath == "" {
		return entity.NewValidationError("basePath", "worktree base path is required")
	}
	return ValidateBranchPrefix(c.BranchPrefix)
}

// Worktree is one allocated checkout.
type Worktree struct {
	TaskID    string    `json:"taskId"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"createdAt"`
}

// gitRunner executes a git command in dir and returns its combined
// output. Swapped out in tests.
type gitRunner func(ctx context.Context, dir string, args ...string) (string, error)

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// Manager hands out per-task worktrees. All git operations against the
// repository are serialized; git worktree bookkeeping is not safe to
// run concurrently against one repo.
type Manager struct {
	config Config
	logger *logger.Logger
	git    gitRunner

	mu     sync.Mutex
	byTask map[string]*Worktree
}

// NewManager creates a worktree manager and ensures the base directory
// exists.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}
	return &Manager{
		config: cfg,
		logger: log.WithFields(zap.String("component", "worktree-manager")),
		git:    runGit,
		byTask: make(map[string]*Worktree),
	}, nil
}

// Acquire allocates the worktree for a task, creating it on first use.
// A task that already holds a worktree gets the same one back.
func (m *Manager) Acquire(ctx context.Context, taskID string) (*Worktree, error) {
	if taskID == "" {
		return nil, entity.NewValidationError("taskID", "task id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byTask[taskID]; ok {
		if m.isValid(existing.Path) {
			return existing, nil
		}
		// Directory vanished underneath us; prune the stale entry and
		// carve a fresh checkout.
		m.logger.Warn("worktree directory invalid, recreating",
			zap.String("task_id", taskID),
			zap.String("path", existing.Path))
		delete(m.byTask, taskID)
		if _, err := m.git(ctx, m.config.RepoPath, "worktree", "prune"); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}

	path := filepath.Join(m.config.BasePath, taskID)
	branch := NormalizeBranchPrefix(m.config.BranchPrefix) + SanitizeForBranch(taskID, 40)

	// git worktree add -b <branch> <path>
	output, err := m.git(ctx, m.config.RepoPath, "worktree", "add", "-b", branch, path)
	if err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("task_id", taskID),
			zap.String("output", output),
			zap.Error(err))
		return nil, fmt.Errorf("git worktree add: %w: %s", err, strings.TrimSpace(output))
	}

	wt := &Worktree{
		TaskID:    taskID,
		Path:      path,
		Branch:    branch,
		CreatedAt: time.Now(),
	}
	m.byTask[taskID] = wt
	m.logger.Info("worktree acquired",
		zap.String("task_id", taskID),
		zap.String("path", path),
		zap.String("branch", branch))
	return wt, nil
}

// Release removes a task's worktree checkout. The branch is left behind
// so the work it carries survives the session. Releasing a task with no
// worktree is a no-op.
func (m *Manager) Release(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wt, ok := m.byTask[taskID]
	if !ok {
		return nil
	}
	delete(m.byTask, taskID)

	if output, err := m.git(ctx, m.config.RepoPath, "worktree", "remove", "--force", wt.Path); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", output),
			zap.Error(err))
		if err := os.RemoveAll(wt.Path); err != nil {
			return fmt.Errorf("remove worktree directory: %w", err)
		}
		if _, err := m.git(ctx, m.config.RepoPath, "worktree", "prune"); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}

	m.logger.Info("worktree released",
		zap.String("task_id", taskID),
		zap.String("path", wt.Path))
	return nil
}

// List returns the allocated worktrees ordered by task id.
func (m *Manager) List() []*Worktree {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Worktree, 0, len(m.byTask))
	for _, wt := range m.byTask {
		out = append(out, wt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Get returns the worktree held by a task, if any.
func (m *Manager) Get(taskID string) (*Worktree, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wt, ok := m.byTask[taskID]
	return wt, ok
}

// isValid reports whether a worktree path still looks like a git
// checkout.
func (m *Manager) isValid(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

// SanitizeForBranch turns free text into a safe branch segment:
// lowercase alphanumerics with single hyphens, capped at maxLen.
func SanitizeForBranch(text string, maxLen int) string {
	if text == "" {
		return ""
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result := collapseHyphens.ReplaceAllString(sb.String(), "-")
	result = strings.Trim(result, "-")
	if maxLen > 0 && len(result) > maxLen {
		result = strings.Trim(result[:maxLen], "-")
	}
	return result
}

// NormalizeBranchPrefix applies the default prefix and guarantees a
// trailing slash.
func NormalizeBranchPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return DefaultBranchPrefix
	}
	if !strings.HasSuffix(trimmed, "/") {
		trimmed += "/"
	}
	return trimmed
}

// ValidateBranchPrefix ensures a prefix contains only safe branch
// characters.
func ValidateBranchPrefix(prefix string) error {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return nil
	}
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return entity.NewValidationError("branchPrefix", "invalid branch prefix")
	}
	if strings.Contains(trimmed, "..") || strings.Contains(trimmed, "@{") {
		return entity.NewValidationError("branchPrefix", "invalid branch prefix")
	}
	return nil
}
