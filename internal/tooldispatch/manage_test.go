package tooldispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sibyl-platform/sibyl/internal/entity"
)

func TestIsLegalTransition(t *testing.T) {
	tests := []struct {
		name   string
		from   entity.TaskStatus
		to     entity.TaskStatus
		legal  bool
	}{
		{"backlog to todo", entity.TaskStatusBacklog, entity.TaskStatusTodo, true},
		{"backlog to archived", entity.TaskStatusBacklog, entity.TaskStatusArchived, true},
		{"backlog to doing skips todo", entity.TaskStatusBacklog, entity.TaskStatusDoing, false},
		{"todo to doing", entity.TaskStatusTodo, entity.TaskStatusDoing, true},
		{"doing to review", entity.TaskStatusDoing, entity.TaskStatusReview, true},
		{"doing to blocked", entity.TaskStatusDoing, entity.TaskStatusBlocked, true},
		{"blocked back to doing", entity.TaskStatusBlocked, entity.TaskStatusDoing, true},
		{"blocked cannot go to done", entity.TaskStatusBlocked, entity.TaskStatusDone, false},
		{"review to done", entity.TaskStatusReview, entity.TaskStatusDone, true},
		{"review back to doing", entity.TaskStatusReview, entity.TaskStatusDoing, true},
		{"done to archived", entity.TaskStatusDone, entity.TaskStatusArchived, true},
		{"done cannot reopen to doing", entity.TaskStatusDone, entity.TaskStatusDoing, false},
		{"archived is terminal", entity.TaskStatusArchived, entity.TaskStatusTodo, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.legal, isLegalTransition(tt.from, tt.to))
		})
	}
}

// TestTaskActionsResolveToStatuses guards against the manage tool's
// verb vocabulary (start_task, block_task, ...) drifting from the
// status vocabulary the state machine actually knows about.
func TestTaskActionsResolveToStatuses(t *testing.T) {
	known := map[entity.TaskStatus]bool{
		entity.TaskStatusBacklog: true, entity.TaskStatusTodo: true,
		entity.TaskStatusDoing: true, entity.TaskStatusBlocked: true,
		entity.TaskStatusReview: true, entity.TaskStatusDone: true,
		entity.TaskStatusArchived: true,
	}
	for verb, status := range taskActions {
		assert.True(t, known[status], "verb %q maps to unknown status %q", verb, status)
	}
}

func TestSourceJobsCoverKnownVerbs(t *testing.T) {
	for verb, jobType := range sourceJobs {
		assert.NotEmpty(t, jobType, "verb %q maps to empty job type", verb)
	}
}
