// Package worktree is the Worktree Manager: isolates each agent's
// working copy in its own git worktree so concurrent agents never
// collide on the same checkout. Shell calls use the standard
// exec.CommandContext-with-timeout idiom, generalized from a single
// shell command to `git worktree` subcommands.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/sibyl-platform/sibyl/internal/entity"
	"github.com/sibyl-platform/sibyl/internal/graphstore"
	"github.com/sibyl-platform/sibyl/internal/sibylerr"
)

const defaultCommandTimeout = 30 * time.Second

// Manager creates, inspects, and reaps git worktrees, keeping the
// filesystem and the WorktreeRecord collection in a one-to-one
// bijection.
type Manager struct {
	graph *graphstore.Adapter
	repoDir string // the bare/primary checkout worktrees branch off of
	baseDir string // parent directory new worktrees are created under
	logger *zap.Logger

	mu sync.Mutex // serializes create/cleanup per manager instance
}

func New(graph *graphstore.Adapter, repoDir, baseDir string, logger *zap.Logger) *Manager {
	return &Manager{graph: graph, repoDir: repoDir, baseDir: baseDir, logger: logger}
}

func (m *Manager) run(ctx context.Context, dir string, args...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, defaultCommandTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return "", sibylerr.Timeout(fmt.Sprintf("git %s", strings.Join(args, " ")))
	}
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// Create adds a new worktree on a fresh branch off baseRef for the
// given task/agent, writes the WorktreeRecord, and returns it. Branch
// naming follows "agent/<agentID>/<taskID>" so branches are traceable
// to the agent that owns them.
func (m *Manager) Create(ctx context.Context, tenantID, taskID, agentID, baseRef string) (*entity.WorktreeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if baseRef == "" {
		baseRef = "HEAD"
	}
	branch := fmt.Sprintf("agent/%s/%s", agentID, taskID)
	path := filepath.Join(m.baseDir, fmt.Sprintf("%s-%s", taskID, agentID))

	if _, err := os.Stat(path); err == nil {
		return nil, sibylerr.Conflict(fmt.Sprintf("worktree path already exists: %s", path))
	}

	if _, err := m.run(ctx, m.repoDir, "worktree", "add", "-b", branch, path, baseRef); err != nil {
		return nil, fmt.Errorf("creating worktree: %w", err)
	}

	headOut, err := m.run(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	rec := &entity.WorktreeRecord{
		Header: entity.Header{
			ID: entity.DeterministicID(entity.KindWorktree, tenantID, taskID, agentID),
			EntityType: entity.KindWorktree,
			Name: branch,
			OrganizationID: tenantID,
		},
		Path: path,
		Branch: branch,
		BaseCommit: strings.TrimSpace(headOut),
		Status: entity.WorktreeStatusActive,
		TaskID: taskID,
		AgentID: agentID,
		LastUsed: time.Now(),
	}
	if err := m.persist(ctx, tenantID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) persist(ctx context.Context, tenantID string, rec *entity.WorktreeRecord) error {
	payload := bson.M{
		"path": rec.Path, "branch": rec.Branch, "base_commit": rec.BaseCommit,
		"last_commit": rec.LastCommit, "status": rec.Status, "has_uncommitted": rec.HasUncommitted,
		"task_id": rec.TaskID, "agent_id": rec.AgentID, "last_used": rec.LastUsed,
	}
	return m.graph.UpsertEntity(ctx, tenantID, rec.Header, payload)
}

// CheckUncommitted reports whether path has any uncommitted changes
// (staged, unstaged, or untracked), the guard the cleanup path uses to
// refuse to discard unsaved agent work.
func (m *Manager) CheckUncommitted(ctx context.Context, path string) (bool, error) {
	out, err := m.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CheckConflicts reports whether branch has unresolved merge conflicts
// against baseRef, without merging (a dry merge-tree check).
func (m *Manager) CheckConflicts(ctx context.Context, path, branch, baseRef string) (bool, error) {
	out, err := m.run(ctx, path, "merge-tree", baseRef, branch)
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "<<<<<<<"), nil
}

// Cleanup removes a worktree and its branch. It refuses to proceed if
// the worktree has uncommitted changes unless force is set, mirroring
// the "never silently discard agent work" invariant.
func (m *Manager) Cleanup(ctx context.Context, tenantID string, rec *entity.WorktreeRecord, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !force {
		dirty, err := m.CheckUncommitted(ctx, rec.Path)
		if err != nil {
			return err
		}
		if dirty {
			return sibylerr.Conflict(fmt.Sprintf("worktree %s has uncommitted changes", rec.Path))
		}
	}

	if _, err := m.run(ctx, m.repoDir, "worktree", "remove", "--force", rec.Path); err != nil {
		m.logger.Warn("worktree remove failed, falling back to filesystem cleanup", zap.Error(err), zap.String("path", rec.Path))
		if rmErr := os.RemoveAll(rec.Path); rmErr != nil {
			return fmt.Errorf("removing worktree directory: %w", rmErr)
		}
		if _, err := m.run(ctx, m.repoDir, "worktree", "prune"); err != nil {
			m.logger.Warn("worktree prune failed (non-fatal)", zap.Error(err))
		}
	}

	if _, err := m.run(ctx, m.repoDir, "branch", "-D", rec.Branch); err != nil {
		m.logger.Warn("branch delete failed (non-fatal, may already be merged away)", zap.Error(err), zap.String("branch", rec.Branch))
	}

	rec.Status = entity.WorktreeStatusDeleted
	return m.persist(ctx, tenantID, rec)
}

// CleanupOrphaned runs against the repository's registered worktrees
// and reaps any no longer referenced by a live WorktreeRecord — e.g.
// left behind by a crashed agent process.
func (m *Manager) CleanupOrphaned(ctx context.Context, tenantID string, liveRecords []*entity.WorktreeRecord) (int, error) {
	live := map[string]bool{}
	for _, r := range liveRecords {
		live[r.Path] = true
	}

	out, err := m.run(ctx, m.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return 0, err
	}

	var removed int
	for _, path := range parseWorktreeListPaths(out) {
		if path == m.repoDir || live[path] {
			continue
		}
		if _, err := m.run(ctx, m.repoDir, "worktree", "remove", "--force", path); err != nil {
			m.logger.Warn("failed to remove orphaned worktree", zap.Error(err), zap.String("path", path))
			continue
		}
		removed++
	}
	return removed, nil
}

func parseWorktreeListPaths(porcelain string) []string {
	var paths []string
	for _, line := range strings.Split(porcelain, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths
}

// AuditWorktrees cross-checks every WorktreeRecord's filesystem path
// against the actual `git worktree list` output and flags any record
// whose directory no longer exists, the filesystem<->record bijection
// check behind the audit_worktrees admin operation.
func (m *Manager) AuditWorktrees(ctx context.Context, records []*entity.WorktreeRecord) (missing []*entity.WorktreeRecord, err error) {
	out, err := m.run(ctx, m.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	existing := map[string]bool{}
	for _, p := range parseWorktreeListPaths(out) {
		existing[p] = true
	}
	for _, r := range records {
		if r.Status == entity.WorktreeStatusActive && !existing[r.Path] {
			missing = append(missing, r)
		}
	}
	return missing, nil
}
