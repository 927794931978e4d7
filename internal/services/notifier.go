package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yungbote/studyforge-backend/internal/logger"
)

// PipelineNotifier publishes pipeline progress events for UI consumers.
// Delivery is best effort: a failed publish is logged and dropped, never
// allowed to fail the job that produced it.
type PipelineNotifier interface {
	JobProgress(ctx context.Context, unitID, jobID uuid.UUID, jobType, stage string, percent int)
	JobCompleted(ctx context.Context, unitID, jobID uuid.UUID, jobType string)
	JobFailed(ctx context.Context, unitID, jobID uuid.UUID, jobType, reason string, terminal bool)
	UnitStatusChanged(ctx context.Context, unitID uuid.UUID, status, stage string)
	Close() error
}

type pipelineNotifier struct {
	log     *logger.Logger
	client  *redis.Client
	channel string
}

type pipelineEvent struct {
	Event     string    `json:"event"`
	UnitID    string    `json:"unit_id"`
	JobID     string    `json:"job_id,omitempty"`
	JobType   string    `json:"job_type,omitempty"`
	Status    string    `json:"status,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Percent   int       `json:"percent,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Terminal  bool      `json:"terminal,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewPipelineNotifier(log *logger.Logger, addr, password, channel string) PipelineNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	return &pipelineNotifier{
		log:     log.With("service", "PipelineNotifier"),
		client:  client,
		channel: channel,
	}
}

func (n *pipelineNotifier) publish(ctx context.Context, ev pipelineEvent) {
	ev.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.Warn("marshal pipeline event failed", "event", ev.Event, "error", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		n.log.Warn("publish pipeline event failed",
			"event", ev.Event,
			"unit_id", ev.UnitID,
			"error", err.Error(),
		)
	}
}

func (n *pipelineNotifier) JobProgress(ctx context.Context, unitID, jobID uuid.UUID, jobType, stage string, percent int) {
	n.publish(ctx, pipelineEvent{
		Event:   "job_progress",
		UnitID:  unitID.String(),
		JobID:   jobID.String(),
		JobType: jobType,
		Stage:   stage,
		Percent: percent,
	})
}

func (n *pipelineNotifier) JobCompleted(ctx context.Context, unitID, jobID uuid.UUID, jobType string) {
	n.publish(ctx, pipelineEvent{
		Event:   "job_completed",
		UnitID:  unitID.String(),
		JobID:   jobID.String(),
		JobType: jobType,
	})
}

func (n *pipelineNotifier) JobFailed(ctx context.Context, unitID, jobID uuid.UUID, jobType, reason string, terminal bool) {
	n.publish(ctx, pipelineEvent{
		Event:    "job_failed",
		UnitID:   unitID.String(),
		JobID:    jobID.String(),
		JobType:  jobType,
		Reason:   reason,
		Terminal: terminal,
	})
}

func (n *pipelineNotifier) UnitStatusChanged(ctx context.Context, unitID uuid.UUID, status, stage string) {
	n.publish(ctx, pipelineEvent{
		Event:  "unit_status_changed",
		UnitID: unitID.String(),
		Status: status,
		Stage:  stage,
	})
}

func (n *pipelineNotifier) Close() error {
	return n.client.Close()
}
