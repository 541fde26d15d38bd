// Package main implements the jobmanager service.
// It polls the Ethereum node for work packages and distributes them to stratumd services via Kafka.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/gomp-ethash/internal/config"
	"github.com/bardlex/gomp-ethash/internal/database/redis"
	"github.com/bardlex/gomp-ethash/internal/ethash"
	"github.com/bardlex/gomp-ethash/internal/ethnode"
	"github.com/bardlex/gomp-ethash/internal/messaging"
	"github.com/bardlex/gomp-ethash/pkg/errors"
	"github.com/bardlex/gomp-ethash/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewWithOptions(cfg.LogOptions())
	logger.Info("starting jobmanager",
		"version", cfg.Version,
		"node_host", cfg.NodeRPCHost,
		"node_port", cfg.NodeRPCPort,
	)

	node, err := ethnode.NewRPCClient(cfg.NodeRPCHost, cfg.NodeRPCPort, cfg.NodeRPCUser, cfg.NodeRPCPassword)
	if err != nil {
		logger.WithError(err).Error("failed to create node RPC client")
		os.Exit(1)
	}
	defer node.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	height, err := node.BlockNumber(pingCtx)
	pingCancel()
	if err != nil {
		logger.WithError(err).Error("failed to connect to node")
		os.Exit(1)
	}
	logger.Info("connected to node", "head", height)

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() { _ = kafkaClient.Close() }()

	jobManager := NewJobManager(cfg, logger, node, kafkaClient)

	if cfg.RedisURL != "" {
		cache, err := redis.NewClient(&redis.Config{URL: cfg.RedisURL})
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, current job will not be cached")
		} else {
			defer func() { _ = cache.Close() }()
			jobManager.cache = cache
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.NodeZMQAddr != "" {
		notifier, err := ethnode.NewZMQNotifier(cfg.NodeZMQAddr, logger)
		if err == nil {
			err = notifier.Subscribe(ethnode.TopicHashBlock)
		}
		if err == nil {
			err = notifier.Connect()
		}
		if err != nil {
			logger.WithError(err).Warn("head notifications disabled, polling only")
		} else {
			defer func() { _ = notifier.Close() }()
			go func() {
				_ = notifier.Listen(ctx, ethnode.HeadHandler(jobManager.NotifyHead))
			}()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := jobManager.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("job manager failed")
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

	if err := jobManager.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("jobmanager stopped")
}

// JobPublisher publishes job messages.
type JobPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// JobCache stores the newest job for services that start between jobs.
type JobCache interface {
	SetCurrentJob(ctx context.Context, job any, ttl time.Duration) error
}

// JobManager turns node work packages into jobs
type JobManager struct {
	cfg       *config.Config
	logger    *log.Logger
	node      ethnode.Node
	publisher JobPublisher
	cache     JobCache
	params    ethash.Params
	now       func() time.Time

	mu      sync.Mutex
	current *messaging.JobMessage

	refresh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewJobManager creates a new job manager
func NewJobManager(cfg *config.Config, logger *log.Logger, node ethnode.Node, publisher JobPublisher) *JobManager {
	return &JobManager{
		cfg:       cfg,
		logger:    logger.WithComponent("jobmanager"),
		node:      node,
		publisher: publisher,
		params:    cfg.EthashParams(),
		now:       time.Now,
		refresh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start polls for work until ctx is done or Shutdown is called. The first
// job must be published for Start to proceed.
func (jm *JobManager) Start(ctx context.Context) error {
	jm.logger.Info("job manager starting", "poll_interval", jm.cfg.NodePollEvery)

	if _, err := jm.checkForNewWork(ctx); err != nil {
		jm.logger.WithError(err).Error("failed to create initial job")
		return err
	}

	ticker := time.NewTicker(jm.cfg.NodePollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-jm.done:
			return nil
		case <-ticker.C:
		case <-jm.refresh:
		}
		if _, err := jm.checkForNewWork(ctx); err != nil {
			jm.logger.WithError(err).Error("failed to check for new work")
		}
	}
}

// NotifyHead requests an immediate work refresh after a new head.
func (jm *JobManager) NotifyHead(hash string) error {
	jm.logger.Debug("new head", "hash", hash)
	select {
	case jm.refresh <- struct{}{}:
	default:
	}
	return nil
}

// Shutdown gracefully shuts down the job manager
func (jm *JobManager) Shutdown(_ context.Context) error {
	jm.logger.Info("shutting down job manager")
	jm.closeOnce.Do(func() { close(jm.done) })
	return nil
}

// Current returns the last published job, or nil.
func (jm *JobManager) Current() *messaging.JobMessage {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.current
}

// checkForNewWork fetches the node's work package and publishes a job when
// its header hash changed. It reports whether a job was published.
func (jm *JobManager) checkForNewWork(ctx context.Context) (bool, error) {
	workCtx, workCancel := context.WithTimeout(ctx, 10*time.Second)
	defer workCancel()

	work, err := jm.node.GetWork(workCtx)
	if err != nil {
		return false, fmt.Errorf("failed to get work: %w", err)
	}

	prev := jm.Current()
	if prev != nil && strings.EqualFold(prev.HeaderHash, work.HeaderHash) {
		return false, nil
	}

	height := work.Height
	if height == 0 {
		head, err := jm.node.BlockNumber(workCtx)
		if err != nil {
			return false, fmt.Errorf("failed to get block number: %w", err)
		}
		height = head + 1
	}

	if err := jm.checkSeed(height, work.SeedHash); err != nil {
		return false, err
	}

	job := &messaging.JobMessage{
		JobID:      jobID(work.HeaderHash),
		Height:     height,
		HeaderHash: work.HeaderHash,
		SeedHash:   work.SeedHash,
		Target:     work.Target,
		CleanJobs:  prev == nil || prev.Height != height,
		CreatedAt:  jm.now(),
	}
	if _, err := job.Template(); err != nil {
		return false, err
	}

	if err := jm.publisher.PublishJSON(ctx, messaging.TopicJobs, job.JobID, job); err != nil {
		return false, fmt.Errorf("failed to publish job: %w", err)
	}

	jm.mu.Lock()
	jm.current = job
	jm.mu.Unlock()

	if jm.cache != nil {
		if err := jm.cache.SetCurrentJob(ctx, job, 10*time.Minute); err != nil {
			jm.logger.WithError(err).Warn("failed to cache current job")
		}
	}

	jm.logger.LogJobDistribution(job.JobID, job.Height, job.CleanJobs, 0)
	jm.logger.Info("new job created and published",
		"job_id", job.JobID,
		"height", job.Height,
		"epoch", jm.params.EpochOf(job.Height),
		"header_hash", job.HeaderHash,
		"target", job.Target,
	)
	return true, nil
}

// checkSeed rejects work whose seed hash does not belong to the epoch of
// height. A mismatch means the height is wrong and every share would be
// verified against the wrong dataset.
func (jm *JobManager) checkSeed(height uint64, seedHash string) error {
	epoch := jm.params.EpochOf(height)
	want := hex.EncodeToString(ethash.SeedHash(epoch))
	got := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(seedHash, "0x"), "0X"))
	if got != want {
		return errors.New(errors.ErrorTypeValidation, "check_seed", "seed hash does not match epoch").
			WithContext("height", height).
			WithContext("epoch", epoch).
			WithContext("seed_hash", seedHash)
	}
	return nil
}

// jobID derives a job id from the header hash so that every stratumd
// instance and a restarted jobmanager name the same work alike.
func jobID(headerHash string) string {
	h := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(headerHash, "0x"), "0X"))
	if len(h) > 16 {
		h = h[:16]
	}
	return h
}
