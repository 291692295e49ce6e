package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuthzRolePurge retries a failed decision cache purge for every user
	// reachable from a role.
	TaskAuthzRolePurge = "authz:role_purge"
	// TaskAuthzSweep drops the whole decision cache. Scheduled as a safety
	// net against purges that were lost entirely.
	TaskAuthzSweep = "authz:sweep"
)

// RolePurgePayload identifies the role whose users need a cache purge.
type RolePurgePayload struct {
	RoleID      int64     `json:"role_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewRolePurgeTask constructs an Asynq task for a role purge retry.
func NewRolePurgeTask(roleID int64) (*asynq.Task, error) {
	body, err := json.Marshal(RolePurgePayload{RoleID: roleID, RequestedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzRolePurge, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// NewSweepTask constructs the periodic cache sweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskAuthzSweep, nil, asynq.Queue(QueueDefault))
}
