// Package main implements the shareproc service.
// It persists accepted shares and block outcomes published by stratumd and blocksubmit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/gomp-ethash/internal/config"
	"github.com/bardlex/gomp-ethash/internal/database"
	"github.com/bardlex/gomp-ethash/internal/messaging"
	"github.com/bardlex/gomp-ethash/internal/validation"
	"github.com/bardlex/gomp-ethash/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewWithOptions(cfg.LogOptions())
	logger.Info("starting shareproc",
		"version", cfg.Version,
		"worker_pool_size", cfg.WorkerPoolSize,
	)

	dbManager, err := database.NewManager(cfg.DatabaseConfig(), logger)
	if err != nil {
		logger.WithError(err).Error("failed to create database manager")
		os.Exit(1)
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			logger.WithError(err).Error("failed to close database manager")
		}
	}()

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	processor := NewShareProcessor(cfg, logger, dbManager, kafkaClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := processor.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("share processor failed")
			cancel()
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}
	cancel()

	logger.Info("shareproc stopped")
}

// Store persists shares and block outcomes. *database.Manager satisfies it.
type Store interface {
	RecordShare(ctx context.Context, share validation.Share) error
	RecordBlockCandidate(ctx context.Context, c messaging.BlockCandidateMessage) error
	RecordBlockResult(ctx context.Context, r messaging.BlockSubmissionResult) error
}

// Consumer delivers messages of a topic to a handler until ctx is done.
type Consumer interface {
	StartConsumer(ctx context.Context, topic, groupID string, handle messaging.Handler) error
}

// ShareProcessor persists accepted shares through a pool of workers
type ShareProcessor struct {
	cfg      *config.Config
	logger   *log.Logger
	store    Store
	consumer Consumer

	shareQueue chan validation.Share
	done       chan struct{}
	closeOnce  sync.Once
	workers    sync.WaitGroup
}

// NewShareProcessor creates a new share processor
func NewShareProcessor(cfg *config.Config, logger *log.Logger, store Store, consumer Consumer) *ShareProcessor {
	sp := &ShareProcessor{
		cfg:      cfg,
		logger:   logger.WithComponent("shareproc"),
		store:    store,
		consumer: consumer,
		done:     make(chan struct{}),
	}
	sp.shareQueue = make(chan validation.Share, sp.poolSize()*10)
	return sp
}

func (sp *ShareProcessor) poolSize() int {
	if sp.cfg.WorkerPoolSize < 1 {
		return 1
	}
	return sp.cfg.WorkerPoolSize
}

// Start runs the worker pool and the topic consumers until ctx is done or
// Shutdown is called.
func (sp *ShareProcessor) Start(ctx context.Context) error {
	sp.logger.Info("share processor starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sp.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for i := 0; i < sp.poolSize(); i++ {
		sp.workers.Add(1)
		go sp.worker(ctx, i)
	}

	group, gctx := errgroup.WithContext(ctx)
	consume := func(topic, suffix string, handle messaging.Handler) {
		group.Go(func() error {
			return sp.consumer.StartConsumer(gctx, topic, sp.cfg.KafkaGroupID+"-shareproc-"+suffix, handle)
		})
	}
	consume(messaging.TopicShares, "shares", messaging.ShareHandler(sp.enqueue))
	consume(messaging.TopicBlockCandidates, "candidates", messaging.JSONHandler(sp.store.RecordBlockCandidate))
	consume(messaging.TopicBlockResults, "results", messaging.JSONHandler(sp.handleBlockResult))

	err := group.Wait()
	select {
	case <-sp.done:
		return nil
	default:
		return err
	}
}

// Shutdown stops the consumers and waits for queued shares to be written.
func (sp *ShareProcessor) Shutdown(ctx context.Context) error {
	sp.logger.Info("shutting down share processor")
	sp.closeOnce.Do(func() { close(sp.done) })

	finished := make(chan struct{})
	go func() {
		sp.workers.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		sp.logger.Warn("shutdown timeout exceeded", "queued", len(sp.shareQueue))
		return ctx.Err()
	}
}

// enqueue hands a share to the worker pool. It blocks while the queue is
// full so the consumer stops reading instead of dropping shares.
func (sp *ShareProcessor) enqueue(ctx context.Context, share validation.Share) error {
	select {
	case sp.shareQueue <- share:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker writes shares from the queue. On shutdown it drains what is
// already queued.
func (sp *ShareProcessor) worker(ctx context.Context, workerID int) {
	defer sp.workers.Done()
	logger := sp.logger.WithFields("worker_id", workerID)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		select {
		case share := <-sp.shareQueue:
			sp.processShare(share)
		case <-ctx.Done():
			for {
				select {
				case share := <-sp.shareQueue:
					sp.processShare(share)
				default:
					return
				}
			}
		}
	}
}

// processShare writes one share. It is detached from the consumer context
// so shares already read are written during shutdown.
func (sp *ShareProcessor) processShare(share validation.Share) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := sp.logger.WithShare(share.ID, share.Difficulty)
	if err := sp.store.RecordShare(ctx, share); err != nil {
		logger.WithError(err).Error("failed to record share", "miner", share.Miner)
		return
	}
	logger.LogDuration("share_processing", time.Since(start))
}

func (sp *ShareProcessor) handleBlockResult(ctx context.Context, r messaging.BlockSubmissionResult) error {
	sp.logger.Info("block submission result",
		"share_id", r.ShareID,
		"height", r.BlockHeight,
		"status", r.Status,
	)
	return sp.store.RecordBlockResult(ctx, r)
}
