package worktree

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseWorktreeListPaths(t *testing.T) {
	porcelain := "worktree /repo\n" +
		"HEAD abc123\n" +
		"branch refs/heads/main\n" +
		"\n" +
		"worktree /repo/.worktrees/task-1-agent-a\n" +
		"HEAD def456\n" +
		"branch refs/heads/agent/agent-a/task-1\n"

	paths := parseWorktreeListPaths(porcelain)

	assert.Equal(t, []string{"/repo", "/repo/.worktrees/task-1-agent-a"}, paths)
}

func TestParseWorktreeListPaths_Empty(t *testing.T) {
	assert.Empty(t, parseWorktreeListPaths(""))
}
