// Package gitops wraps the bare upstream clone and the per-spec worktrees.
// Every agent gets its own worktree on an isolated branch; the bare repo is
// additionally served over the git protocol so agents running out-of-process
// can fetch and push against it.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BranchPrefix is prepended to every branch except main.
const BranchPrefix = "devswarm/"

// MainWorktree is the name of the worktree tracking the upstream default branch.
const MainWorktree = "main"

var worktreeNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*$`)

// Manager handles the bare clone, worktree lifecycle, merges, pushes, and PR
// creation. Operations are blocking and serialized under one mutex.
type Manager struct {
	dataDir     string // daemon data directory
	bareDir     string // <dataDir>/bare.git
	worktreeDir string // <dataDir>/worktrees
	mainBranch  string
	daemonPort  int
	logger      *slog.Logger

	mu        sync.Mutex
	daemonCmd *exec.Cmd
}

// WorktreeInfo describes one entry of the worktree list.
type WorktreeInfo struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// MergeResult reports the outcome of a merge attempt.
type MergeResult struct {
	Success   bool     `json:"success"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// PullRequest is the result of creating a PR on the code host.
type PullRequest struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
}

// NewManager creates a worktree manager rooted at the daemon data directory.
func NewManager(dataDir, mainBranch string, daemonPort int, logger *slog.Logger) *Manager {
	if mainBranch == "" {
		mainBranch = "main"
	}
	return &Manager{
		dataDir:     dataDir,
		bareDir:     filepath.Join(dataDir, "bare.git"),
		worktreeDir: filepath.Join(dataDir, "worktrees"),
		mainBranch:  mainBranch,
		daemonPort:  daemonPort,
		logger:      logger,
	}
}

// BareDir returns the path of the bare clone.
func (m *Manager) BareDir() string { return m.bareDir }

// WorktreePath returns the on-disk path a worktree name maps to.
func (m *Manager) WorktreePath(name string) string {
	return filepath.Join(m.worktreeDir, name)
}

// BranchForWorktree maps a worktree name to its branch. The main worktree
// tracks the main branch verbatim; everything else is prefixed.
func BranchForWorktree(name string) string {
	if name == MainWorktree {
		return "main"
	}
	return BranchPrefix + name
}

// ValidWorktreeName reports whether a name is acceptable (alphanumeric and
// hyphens, not starting with a hyphen).
func ValidWorktreeName(name string) bool {
	return worktreeNameRe.MatchString(name)
}

// Init clones the upstream as a bare repo, creates the main worktree, and
// starts the git daemon serving the bare repo for agent fetch/push. Failures
// here are structural: the daemon must not proceed into the loop.
func (m *Manager) Init(ctx context.Context, upstreamURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.bareDir); os.IsNotExist(err) {
		m.logger.Info("Cloning upstream", "url", upstreamURL, "dest", m.bareDir)
		if err := m.runGit(ctx, m.dataDir, "clone", "--bare", upstreamURL, m.bareDir); err != nil {
			return fmt.Errorf("failed to clone upstream: %w", err)
		}
	}

	if err := os.MkdirAll(m.worktreeDir, 0750); err != nil {
		return fmt.Errorf("failed to create worktree directory: %w", err)
	}

	if _, err := m.createWorktree(ctx, MainWorktree, m.mainBranch); err != nil {
		return fmt.Errorf("failed to create main worktree: %w", err)
	}

	return m.startDaemon()
}

// startDaemon serves the bare repo read/write on the local daemon port.
func (m *Manager) startDaemon() error {
	if m.daemonCmd != nil {
		return nil
	}

	cmd := exec.Command("git", "daemon",
		"--reuseaddr",
		"--base-path="+m.dataDir,
		"--export-all",
		"--enable=receive-pack",
		"--port="+strconv.Itoa(m.daemonPort),
		m.bareDir,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start git daemon: %w", err)
	}

	m.daemonCmd = cmd
	m.logger.Info("Serving bare repo", "port", m.daemonPort)
	return nil
}

// Close stops the git daemon. New operations are not started after Close;
// in-flight ones are allowed to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.daemonCmd != nil && m.daemonCmd.Process != nil {
		_ = m.daemonCmd.Process.Kill()
		_ = m.daemonCmd.Wait()
		m.daemonCmd = nil
	}
}

// CreateWorktree creates (or reuses) a worktree on its own branch rooted at
// baseBranch. Idempotent: an existing valid worktree is returned as-is; a
// branch left behind by a removed worktree is deleted first.
func (m *Manager) CreateWorktree(ctx context.Context, name, baseBranch string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createWorktree(ctx, name, baseBranch)
}

func (m *Manager) createWorktree(ctx context.Context, name, baseBranch string) (string, error) {
	if !ValidWorktreeName(name) {
		return "", fmt.Errorf("invalid worktree name %q", name)
	}
	if baseBranch == "" {
		baseBranch = m.mainBranch
	}

	path := m.WorktreePath(name)
	branch := BranchForWorktree(name)

	// Reuse a valid existing worktree.
	if _, err := os.Stat(path); err == nil {
		if err := m.runGit(ctx, path, "rev-parse", "--git-dir"); err == nil {
			return path, nil
		}
		// Broken checkout: clear it and recreate below.
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("failed to clear broken worktree: %w", err)
		}
		_ = m.runGit(ctx, m.bareDir, "worktree", "prune")
	}

	if name == MainWorktree {
		if err := m.runGit(ctx, m.bareDir, "worktree", "add", path, m.mainBranch); err != nil {
			return "", fmt.Errorf("failed to add main worktree: %w", err)
		}
		return path, nil
	}

	// A branch without a worktree is stale state from a previous run.
	if m.branchExists(ctx, branch) {
		_ = m.runGit(ctx, m.bareDir, "branch", "-D", branch)
	}

	if err := m.runGit(ctx, m.bareDir, "worktree", "add", "-b", branch, path, baseBranch); err != nil {
		return "", fmt.Errorf("failed to add worktree %s: %w", name, err)
	}
	return path, nil
}

// RemoveWorktree removes a worktree and its branch.
func (m *Manager) RemoveWorktree(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.WorktreePath(name)
	if err := m.runGit(ctx, m.bareDir, "worktree", "remove", "--force", path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("failed to remove worktree directory: %w", rmErr)
		}
		_ = m.runGit(ctx, m.bareDir, "worktree", "prune")
	}

	branch := BranchForWorktree(name)
	if branch != m.mainBranch {
		_ = m.runGit(ctx, m.bareDir, "branch", "-D", branch)
	}
	return nil
}

// ListWorktrees returns all known worktrees.
func (m *Manager) ListWorktrees(ctx context.Context) ([]WorktreeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	output, err := m.runGitOutput(ctx, m.bareDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var worktrees []WorktreeInfo
	var current *WorktreeInfo

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if current != nil {
				worktrees = append(worktrees, *current)
				current = nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			p := strings.TrimPrefix(line, "worktree ")
			current = &WorktreeInfo{Path: p, Name: filepath.Base(p)}
		case strings.HasPrefix(line, "HEAD ") && current != nil:
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		case line == "bare":
			current = nil // skip the bare repo entry
		}
	}
	if current != nil {
		worktrees = append(worktrees, *current)
	}
	return worktrees, nil
}

// GetCurrentBranch returns the branch checked out in a worktree.
func (m *Manager) GetCurrentBranch(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	output, err := m.runGitOutput(ctx, m.WorktreePath(name), "branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// Merge merges the source worktree's branch into the target worktree with a
// non-fast-forward, no-edit merge. On conflict the merge state is left in
// place (the caller decides whether to abort) and the conflicting files are
// returned.
func (m *Manager) Merge(ctx context.Context, source, target string) (*MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	targetPath := m.WorktreePath(target)
	sourceBranch := BranchForWorktree(source)

	if err := m.runGit(ctx, targetPath, "merge", "--no-ff", "--no-edit", sourceBranch); err != nil {
		conflicts, cErr := m.conflictFiles(ctx, targetPath)
		if cErr == nil && len(conflicts) > 0 {
			return &MergeResult{Success: false, Conflicts: conflicts}, nil
		}
		return nil, fmt.Errorf("merge of %s into %s failed: %w", sourceBranch, target, err)
	}

	return &MergeResult{Success: true}, nil
}

// GetConflictFiles lists unmerged files in a worktree.
func (m *Manager) GetConflictFiles(ctx context.Context, name string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conflictFiles(ctx, m.WorktreePath(name))
}

func (m *Manager) conflictFiles(ctx context.Context, path string) ([]string, error) {
	output, err := m.runGitOutput(ctx, path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// AbortMerge aborts an in-progress merge in a worktree.
func (m *Manager) AbortMerge(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.runGit(ctx, m.WorktreePath(name), "merge", "--abort"); err != nil {
		return fmt.Errorf("failed to abort merge: %w", err)
	}
	return nil
}

// Push pushes the worktree's current branch to origin, classifying failures.
func (m *Manager) Push(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.WorktreePath(name)
	output, err := m.runGitOutput(ctx, path, "branch", "--show-current")
	if err != nil {
		return fmt.Errorf("failed to get current branch: %w", err)
	}
	branch := strings.TrimSpace(string(output))

	cmd := exec.CommandContext(ctx, "git", "push", "origin", branch)
	cmd.Dir = path
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return classifyPushError(stderr.String())
	}
	return nil
}

// HasUnpushedCommits reports whether the worktree's branch has commits not on
// its remote counterpart. A missing remote branch counts as unpushed.
func (m *Manager) HasUnpushedCommits(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.WorktreePath(name)
	output, err := m.runGitOutput(ctx, path, "branch", "--show-current")
	if err != nil {
		return false, fmt.Errorf("failed to get current branch: %w", err)
	}
	branch := strings.TrimSpace(string(output))

	if err := m.runGit(ctx, path, "rev-parse", "--verify", "--quiet", "origin/"+branch); err != nil {
		return true, nil
	}

	output, err = m.runGitOutput(ctx, path, "rev-list", "--count", "origin/"+branch+".."+branch)
	if err != nil {
		return false, fmt.Errorf("failed to count unpushed commits: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return false, fmt.Errorf("unexpected rev-list output %q: %w", string(output), err)
	}
	return n > 0, nil
}

// CommitsAheadOf counts commits on the worktree's branch that are not on the
// given base branch.
func (m *Manager) CommitsAheadOf(ctx context.Context, name, baseBranch string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.WorktreePath(name)
	output, err := m.runGitOutput(ctx, path, "rev-list", "--count", baseBranch+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("failed to count commits ahead: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", string(output), err)
	}
	return n, nil
}

// CreatePullRequest pushes the worktree's branch and opens a PR through the
// code-host CLI.
func (m *Manager) CreatePullRequest(ctx context.Context, name, title, body string) (*PullRequest, error) {
	if err := m.Push(ctx, name); err != nil {
		return nil, fmt.Errorf("failed to push before PR: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.WorktreePath(name)
	cmd := exec.CommandContext(ctx, "gh", "pr", "create", "--title", title, "--body", body)
	cmd.Dir = path
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pr creation failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}

	url := strings.TrimSpace(stdout.String())
	return &PullRequest{URL: url, Number: prNumberFromURL(url)}, nil
}

// prNumberFromURL extracts the trailing PR number; 0 when absent.
func prNumberFromURL(url string) int {
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

// RunCommand runs a shell command inside a worktree with a wall-clock bound,
// returning combined output. Used by the validation pipeline.
func (m *Manager) RunCommand(ctx context.Context, name, command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = m.WorktreePath(name)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	return combined.String(), err
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	return m.runGit(ctx, m.bareDir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch) == nil
}

func (m *Manager) runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

func (m *Manager) runGitOutput(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.Output()
}
