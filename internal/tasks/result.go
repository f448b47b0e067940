package tasks

import (
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

var ErrTaskInProgress = errors.New("task is still in progress")

// Inspector reads task state, satisfied by *asynq.Inspector.
type Inspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
}

// TaskStatus is what clients see of a queued task.
type TaskStatus struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	State   string `json:"state"`
	Retried int    `json:"retried"`
	Error   string `json:"error,omitempty"`
}

// GetTaskResult returns the stored result of a completed task, ErrTaskInProgress while it
// is pending or running, and the last error once it is archived.
func GetTaskResult(inspector Inspector, taskID string) ([]byte, error) {
	info, err := inspector.GetTaskInfo(QUEUE_NAME, taskID)
	if err != nil {
		return nil, fmt.Errorf("fail to get task info, err: %w", err)
	}
	switch info.State {
	case asynq.TaskStateCompleted:
		return info.Result, nil
	case asynq.TaskStateArchived:
		return nil, fmt.Errorf("task failed: %s", info.LastErr)
	default:
		return nil, ErrTaskInProgress
	}
}

func GetTaskStatus(inspector Inspector, taskID string) (*TaskStatus, error) {
	info, err := inspector.GetTaskInfo(QUEUE_NAME, taskID)
	if err != nil {
		return nil, fmt.Errorf("fail to get task info, err: %w", err)
	}
	return &TaskStatus{
		ID:      info.ID,
		Type:    info.Type,
		State:   info.State.String(),
		Retried: info.Retried,
		Error:   info.LastErr,
	}, nil
}
