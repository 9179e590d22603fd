package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"campusalloc/internal/advisory"
	"campusalloc/internal/allocation"
	"campusalloc/internal/config"
	"campusalloc/internal/exam"
	"campusalloc/internal/interview"
	"campusalloc/internal/logging"
	"campusalloc/internal/notify"
	"campusalloc/internal/queue"
	"campusalloc/internal/store"
)

// Worker consumes allocation triggers and runs the room allocator for each,
// then links the outcome back to the exam subject or interview slot that
// raised it.
func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	advisor := advisory.New(cfg.AdvisoryURL, cfg.AdvisorySkip, cfg.AdvisoryTimeout)
	if !cfg.AdvisorySkip {
		if advisor.Health(ctx) {
			logger.Info("advisory service connected")
		} else {
			logger.Warn("advisory service not available, proceeding without it")
		}
	}

	repo := allocation.NewRepository(db.Client)
	notifier := notify.NewRecorder(db.Client)
	allocator := allocation.NewService(repo, notifier, advisor, q, logger)
	examRepo := exam.NewRepository(db.Client)
	interviewRepo := interview.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		logger.Fatal("queue consume init failed", zap.Error(err))
	}

	logger.Info("worker started, waiting for messages")
	for msg := range messages {
		if msg.Kind != queue.KindAllocateRoom {
			continue
		}

		evt, err := queue.DecodeAllocateRoom(msg)
		if err != nil {
			logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}

		result, err := allocator.Allocate(ctx, evt.RequestID, "system", "")
		if err != nil {
			logger.Error("allocation failed",
				zap.String("request_id", evt.RequestID), zap.Error(err))
			continue
		}
		logger.Info("request processed",
			zap.String("request_id", evt.RequestID),
			zap.String("status", result.Status))

		if result.Status != allocation.StatusAllocated {
			continue
		}
		if evt.ExamSubjectID != "" {
			if err := examRepo.SetSubjectAllocation(ctx, evt.ExamSubjectID, result.AllocationID); err != nil {
				logger.Error("link exam subject failed",
					zap.String("exam_subject_id", evt.ExamSubjectID), zap.Error(err))
			}
		}
		if evt.InterviewSlotID != "" {
			if err := interviewRepo.SetSlotAllocation(ctx, evt.InterviewSlotID, result.AllocationID); err != nil {
				logger.Error("link interview slot failed",
					zap.String("interview_slot_id", evt.InterviewSlotID), zap.Error(err))
			}
		}
	}

	logger.Info("worker stopped")
}
