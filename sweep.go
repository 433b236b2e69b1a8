package main

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// TaskSweeper periodically resolves tasks past their due_at, catching
// tasks whose participants never all delivered.
type TaskSweeper struct {
	db       *gorm.DB
	tasks    *TaskService
	interval time.Duration
	logger   Logger
}

func NewTaskSweeper(db *gorm.DB, tasks *TaskService, interval time.Duration, logger Logger) *TaskSweeper {
	return &TaskSweeper{db: db, tasks: tasks, interval: interval, logger: logger.NewSystem("task-sweeper")}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *TaskSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("task sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("task sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *TaskSweeper) sweepOnce() {
	ids, err := listTasksDueForSweep(s.db, time.Now())
	if err != nil {
		s.logger.Error("failed to list due tasks", "error", err)
		return
	}
	for _, id := range ids {
		if err := s.tasks.PayoutDueTask(id); err != nil {
			s.logger.Error("failed to pay out task", "task", id, "error", err)
			continue
		}
		s.logger.Info("task paid out by sweeper", "task", id)
	}
}
