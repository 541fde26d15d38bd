// Package main implements the blocksubmit service.
// It submits block candidates found by stratumd to the Ethereum node with eth_submitWork.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/gomp-ethash/internal/config"
	"github.com/bardlex/gomp-ethash/internal/ethnode"
	"github.com/bardlex/gomp-ethash/internal/messaging"
	"github.com/bardlex/gomp-ethash/internal/metrics"
	"github.com/bardlex/gomp-ethash/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewWithOptions(cfg.LogOptions())
	logger.Info("starting blocksubmit",
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

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, err = node.BlockNumber(pingCtx)
	pingCancel()
	if err != nil {
		logger.WithError(err).Error("failed to connect to node")
		os.Exit(1)
	}
	logger.Info("connected to node")

	prom, err := metrics.NewPromRecorder("ethpool")
	if err != nil {
		logger.WithError(err).Error("failed to create metrics recorder")
		os.Exit(1)
	}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: prom.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	submitter := NewBlockSubmitter(cfg, logger, node, kafkaClient, kafkaClient, prom)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := submitter.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("block submitter failed")
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

	_ = metricsServer.Shutdown(shutdownCtx)
	if err := submitter.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("blocksubmit stopped")
}

// ResultPublisher publishes submission results
type ResultPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// Consumer delivers messages of a topic to a handler until ctx is done.
type Consumer interface {
	StartConsumer(ctx context.Context, topic, groupID string, handle messaging.Handler) error
}

// BlockSubmitter submits block candidates to the node one at a time
type BlockSubmitter struct {
	cfg       *config.Config
	logger    *log.Logger
	node      ethnode.Node
	publisher ResultPublisher
	consumer  Consumer
	recorder  metrics.Recorder

	blockQueue chan messaging.BlockCandidateMessage
	done       chan struct{}
	closeOnce  sync.Once
	worker     sync.WaitGroup

	statsMu sync.Mutex
	stats   SubmissionStats
}

// SubmissionStats represents block submission statistics
type SubmissionStats struct {
	QueueLength      int
	TotalSubmitted   int64
	TotalAccepted    int64
	TotalRejected    int64
	TotalErrors      int64
	AverageLatencyMs float64
	LastSubmissionAt time.Time
}

// NewBlockSubmitter creates a new block submitter
func NewBlockSubmitter(cfg *config.Config, logger *log.Logger, node ethnode.Node, publisher ResultPublisher, consumer Consumer, recorder metrics.Recorder) *BlockSubmitter {
	return &BlockSubmitter{
		cfg:        cfg,
		logger:     logger.WithComponent("blocksubmit"),
		node:       node,
		publisher:  publisher,
		consumer:   consumer,
		recorder:   metrics.OrNoop(recorder),
		blockQueue: make(chan messaging.BlockCandidateMessage, 100),
		done:       make(chan struct{}),
	}
}

// Start runs the submission worker and the candidate consumer until ctx is
// done or Shutdown is called.
func (bs *BlockSubmitter) Start(ctx context.Context) error {
	bs.logger.Info("block submitter starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-bs.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	bs.worker.Add(1)
	go bs.submissionWorker(ctx)

	err := bs.consumer.StartConsumer(ctx, messaging.TopicBlockCandidates,
		bs.cfg.KafkaGroupID+"-blocksubmit", messaging.JSONHandler(bs.SubmitBlock))

	select {
	case <-bs.done:
		return nil
	default:
		return err
	}
}

// Shutdown stops the consumer and waits for queued candidates to be
// submitted.
func (bs *BlockSubmitter) Shutdown(ctx context.Context) error {
	bs.logger.Info("shutting down block submitter")
	bs.closeOnce.Do(func() { close(bs.done) })

	finished := make(chan struct{})
	go func() {
		bs.worker.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitBlock queues a candidate for submission
func (bs *BlockSubmitter) SubmitBlock(_ context.Context, candidate messaging.BlockCandidateMessage) error {
	select {
	case <-bs.done:
		return fmt.Errorf("submitter shutting down")
	default:
	}

	select {
	case bs.blockQueue <- candidate:
		bs.logger.Info("block candidate queued for submission",
			"share_id", candidate.ShareID,
			"height", candidate.BlockHeight,
			"miner", candidate.Miner,
		)
		return nil
	default:
		return fmt.Errorf("block queue full")
	}
}

// submissionWorker submits queued candidates. Candidates still queued at
// shutdown are submitted before it returns.
func (bs *BlockSubmitter) submissionWorker(ctx context.Context) {
	defer bs.worker.Done()
	bs.logger.Debug("submission worker started")
	defer bs.logger.Debug("submission worker stopped")

	for {
		select {
		case candidate := <-bs.blockQueue:
			bs.submitBlock(candidate)
		case <-ctx.Done():
			for {
				select {
				case candidate := <-bs.blockQueue:
					bs.submitBlock(candidate)
				default:
					return
				}
			}
		}
	}
}

// submitBlock submits one candidate and publishes the outcome.
func (bs *BlockSubmitter) submitBlock(candidate messaging.BlockCandidateMessage) messaging.BlockSubmissionResult {
	logger := bs.logger.WithFields(
		"share_id", candidate.ShareID,
		"height", candidate.BlockHeight,
		"miner", candidate.Miner,
		"worker", candidate.Worker,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := messaging.BlockSubmissionResult{
		ShareID:     candidate.ShareID,
		BlockHeight: candidate.BlockHeight,
		Miner:       candidate.Miner,
	}

	nonce, header, mix, err := solution(candidate)
	start := time.Now()
	if err == nil {
		var accepted bool
		accepted, err = bs.node.SubmitWork(ctx, nonce, header, mix)
		switch {
		case err != nil:
			result.Status = messaging.BlockStatusError
		case accepted:
			result.Status = messaging.BlockStatusAccepted
		default:
			result.Status = messaging.BlockStatusRejected
		}
	} else {
		result.Status = messaging.BlockStatusError
	}
	latency := time.Since(start)

	result.Nonce = nonce
	result.MixDigest = mix
	result.SubmissionTime = time.Now()
	result.LatencyMs = float64(latency.Nanoseconds()) / 1e6
	if err != nil {
		result.ErrorMessage = err.Error()
	}

	logger.LogDuration("block_submission", latency)
	switch result.Status {
	case messaging.BlockStatusAccepted:
		logger.LogBlockFound(mix, candidate.BlockHeight, candidate.Miner, candidate.Worker, candidate.Difficulty)
	case messaging.BlockStatusRejected:
		logger.Warn("node rejected block")
	default:
		logger.WithError(err).Error("failed to submit block")
	}

	bs.recorder.BlockSubmitted(result.Status == messaging.BlockStatusAccepted)
	bs.recordStats(result, latency)

	if err := bs.publisher.PublishJSON(ctx, messaging.TopicBlockResults, result.ShareID, result); err != nil {
		logger.WithError(err).Error("failed to publish block result")
	}
	return result
}

// solution returns the eth_submitWork parameters of a candidate, falling
// back to its confirmation data when a field is missing.
func solution(c messaging.BlockCandidateMessage) (nonce, header, mix string, err error) {
	if c.Nonce != "" && c.HeaderHash != "" && c.MixDigest != "" {
		return c.Nonce, c.HeaderHash, c.MixDigest, nil
	}
	parts := strings.Split(c.ConfirmationData, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("candidate %s has no solution", c.ShareID)
	}
	return parts[0], parts[1], parts[2], nil
}

func (bs *BlockSubmitter) recordStats(r messaging.BlockSubmissionResult, latency time.Duration) {
	bs.statsMu.Lock()
	defer bs.statsMu.Unlock()

	s := &bs.stats
	s.TotalSubmitted++
	switch r.Status {
	case messaging.BlockStatusAccepted:
		s.TotalAccepted++
	case messaging.BlockStatusRejected:
		s.TotalRejected++
	default:
		s.TotalErrors++
	}
	ms := float64(latency.Nanoseconds()) / 1e6
	s.AverageLatencyMs += (ms - s.AverageLatencyMs) / float64(s.TotalSubmitted)
	s.LastSubmissionAt = r.SubmissionTime
}

// GetQueueLength returns the current queue length
func (bs *BlockSubmitter) GetQueueLength() int {
	return len(bs.blockQueue)
}

// GetStats returns submission statistics
func (bs *BlockSubmitter) GetStats() SubmissionStats {
	bs.statsMu.Lock()
	stats := bs.stats
	bs.statsMu.Unlock()
	stats.QueueLength = bs.GetQueueLength()
	return stats
}
