// Package main implements the stratumd service.
// It serves EthereumStratum/1.0.0 to miners and validates their shares against the Ethash dataset.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bardlex/gomp-ethash/internal/config"
	"github.com/bardlex/gomp-ethash/internal/database/influx"
	"github.com/bardlex/gomp-ethash/internal/database/redis"
	"github.com/bardlex/gomp-ethash/internal/dataset"
	"github.com/bardlex/gomp-ethash/internal/jobs"
	"github.com/bardlex/gomp-ethash/internal/messaging"
	"github.com/bardlex/gomp-ethash/internal/metrics"
	"github.com/bardlex/gomp-ethash/internal/stratum"
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
	logger.Info("starting stratumd",
		"version", cfg.Version,
		"listen_addr", cfg.ListenAddr,
		"listen_port", cfg.ListenPort,
	)

	prom, err := metrics.NewPromRecorder("ethpool")
	if err != nil {
		logger.WithError(err).Error("failed to create metrics recorder")
		os.Exit(1)
	}
	var recorder metrics.Recorder = prom
	if influxCfg := cfg.DatabaseConfig().Influx; influxCfg != nil {
		influxClient, err := influx.NewClient(influxCfg)
		if err != nil {
			logger.WithError(err).Warn("influxdb unavailable, metrics go to prometheus only")
		} else {
			defer influxClient.Close()
			recorder = metrics.Tee{prom, influxClient}
		}
	}

	datasets := dataset.NewManager(cfg.DatasetConfig(), cfg.EthashParams(), logger, recorder)
	defer func() {
		if err := datasets.Close(); err != nil {
			logger.WithError(err).Error("failed to release datasets")
		}
	}()

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	jobManager := jobs.NewManager(cfg.JobsConfig(), datasets, messaging.NewShareProducer(kafkaClient), recorder, logger)
	server := NewStratumServer(cfg, logger, jobManager, kafkaClient, recorder)

	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(&redis.Config{URL: cfg.RedisURL})
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, invalid share limiting disabled")
		} else {
			defer func() { _ = redisClient.Close() }()
			server.limiter = redisClient
			server.cache = redisClient
		}
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux(prom),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("server failed")
			cancel()
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = metricsServer.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("stratumd stopped")
}

func metricsMux(prom *metrics.PromRecorder) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// JobConsumer delivers messages of a topic to a handler until ctx is done.
type JobConsumer interface {
	StartConsumer(ctx context.Context, topic, groupID string, handle messaging.Handler) error
}

// InvalidShareLimiter counts invalid shares per IP address.
type InvalidShareLimiter interface {
	RecordInvalidShare(ctx context.Context, ip string, limit int64, window time.Duration) (bool, error)
}

// JobCache holds the last published job.
type JobCache interface {
	GetCurrentJob(ctx context.Context, dest any) error
}

// StratumServer accepts miner connections and routes their requests
type StratumServer struct {
	cfg      *config.Config
	logger   *log.Logger
	jobs     *jobs.Manager
	consumer JobConsumer
	limiter  InvalidShareLimiter
	cache    JobCache
	recorder metrics.Recorder

	listenerMu sync.Mutex
	listener   net.Listener

	sessions map[string]*stratum.Session
	mu       sync.RWMutex
	wg       sync.WaitGroup

	sessionSeq    atomic.Uint64
	extraNonceSeq atomic.Uint32

	currentJob *messaging.JobMessage
	jobMu      sync.RWMutex
}

// NewStratumServer creates a new Stratum server. consumer may be nil when
// jobs are added directly.
func NewStratumServer(cfg *config.Config, logger *log.Logger, jobManager *jobs.Manager, consumer JobConsumer, recorder metrics.Recorder) *StratumServer {
	return &StratumServer{
		cfg:      cfg,
		logger:   logger.WithComponent("server"),
		jobs:     jobManager,
		consumer: consumer,
		recorder: metrics.OrNoop(recorder),
		sessions: make(map[string]*stratum.Session),
	}
}

// Start listens on the configured address and serves until ctx is done.
func (s *StratumServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddr, s.cfg.ListenPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.logger.Info("server listening", "address", addr)

	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is done or the listener
// is closed.
func (s *StratumServer) Serve(ctx context.Context, listener net.Listener) error {
	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	s.loadCurrentJob(ctx)

	if s.consumer != nil {
		s.wg.Add(1)
		go s.consumeJobs(ctx)
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		if s.cfg.MaxConnections > 0 && s.SessionCount() >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached", "remote_addr", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *StratumServer) sessionConfig() stratum.SessionConfig {
	return stratum.SessionConfig{
		ReadTimeout:    s.cfg.ReadTimeout,
		WriteTimeout:   s.cfg.WriteTimeout,
		MaxMessageSize: s.cfg.MaxMessageSize,
		Vardiff: stratum.VardiffConfig{
			Target:        s.cfg.VardiffTarget,
			RetargetAfter: s.cfg.VardiffRetarget,
			Min:           s.cfg.MinDifficulty,
			Max:           s.cfg.MaxDifficulty,
		},
	}
}

// handleConnection runs a session for conn until it ends
func (s *StratumServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	s.recorder.ConnOpened()
	defer s.recorder.ConnClosed()

	sessionID := fmt.Sprintf("%x", s.sessionSeq.Add(1))
	session := stratum.NewSession(sessionID, conn, s.sessionConfig(), s.logger.WithFields("session_id", sessionID))

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
	}()

	handler := NewMessageHandler(s.cfg, s.logger, s)
	if err := session.Start(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).Debug("session ended")
	}
	s.logger.LogConnection("disconnected", session.RemoteAddr())
}

// SessionCount returns the number of connected sessions
func (s *StratumServer) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown stops accepting connections, closes every session and waits for
// them to finish.
func (s *StratumServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.listenerMu.Lock()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("failed to close listener", "error", err)
		}
	}
	s.listenerMu.Unlock()

	s.mu.RLock()
	for _, session := range s.sessions {
		session.Close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	defer s.jobs.Close()
	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

// nextExtraNonce assigns a connection its 2-byte nonce prefix. Prefixes
// repeat after 65536 connections; duplicate nonces are still caught per
// connection.
func (s *StratumServer) nextExtraNonce() string {
	return fmt.Sprintf("%04x", uint16(s.extraNonceSeq.Add(1)))
}

// consumeJobs adds every job published by jobmanager. Each stratumd
// instance reads all jobs, so the group id is unique per host.
func (s *StratumServer) consumeJobs(ctx context.Context) {
	defer s.wg.Done()

	host, _ := os.Hostname()
	groupID := fmt.Sprintf("%s-stratumd-%s", s.cfg.KafkaGroupID, host)
	err := s.consumer.StartConsumer(ctx, messaging.TopicJobs, groupID, messaging.JSONHandler(s.handleJob))
	if err != nil && ctx.Err() == nil {
		s.logger.WithError(err).Error("job consumer stopped")
	}
}

// loadCurrentJob picks up the last published job so miners connecting
// before the next one have work.
func (s *StratumServer) loadCurrentJob(ctx context.Context) {
	if s.cache == nil {
		return
	}
	var job messaging.JobMessage
	if err := s.cache.GetCurrentJob(ctx, &job); err != nil {
		if !errors.Is(err, redis.ErrMiss) {
			s.logger.WithError(err).Warn("failed to load current job")
		}
		return
	}
	if err := s.handleJob(ctx, job); err != nil {
		s.logger.WithError(err).Warn("failed to add cached job")
	}
}

// handleJob registers a published job and sends it to every authorized miner.
func (s *StratumServer) handleJob(_ context.Context, msg messaging.JobMessage) error {
	tpl, err := msg.Template()
	if err != nil {
		return err
	}
	if _, err := s.jobs.AddJob(msg.JobID, tpl); err != nil {
		return err
	}

	s.jobMu.Lock()
	s.currentJob = &msg
	s.jobMu.Unlock()

	s.logger.Info("received new job", "job_id", msg.JobID, "height", msg.Height, "clean_jobs", msg.CleanJobs)
	s.broadcastJob(&msg)
	return nil
}

// CurrentJob returns the newest job message, or nil.
func (s *StratumServer) CurrentJob() *messaging.JobMessage {
	s.jobMu.RLock()
	defer s.jobMu.RUnlock()
	return s.currentJob
}

// broadcastJob sends a new job to all authorized miners
func (s *StratumServer) broadcastJob(job *messaging.JobMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sent := 0
	for _, session := range s.sessions {
		if !session.IsAuthorized() {
			continue
		}
		s.sendJobToSession(session, job)
		sent++
	}
	s.logger.LogJobDistribution(job.JobID, job.Height, job.CleanJobs, sent)
}

// sendJobToSession sends a job to a specific session
func (s *StratumServer) sendJobToSession(session *stratum.Session, job *messaging.JobMessage) {
	params := stratum.NotifyParams(job.JobID, job.SeedHash, job.HeaderHash, job.CleanJobs)
	if err := session.SendNotification(stratum.MethodNotify, params); err != nil {
		s.logger.WithError(err).Debug("failed to send job to session", "session_id", session.ConnectionID())
	}
}

// recordInvalidShare counts an invalid share against the session's address
// and reports whether the session must be dropped.
func (s *StratumServer) recordInvalidShare(ctx context.Context, session *stratum.Session) bool {
	if s.limiter == nil || s.cfg.InvalidShareLimit <= 0 {
		return false
	}
	ip := session.Context().IP
	ok, err := s.limiter.RecordInvalidShare(ctx, ip, int64(s.cfg.InvalidShareLimit), s.cfg.InvalidShareWindow)
	if err != nil {
		s.logger.WithError(err).Warn("failed to record invalid share")
		return false
	}
	return !ok
}

// MessageHandler implements the stratum.MessageHandler interface
type MessageHandler struct {
	cfg    *config.Config
	logger *log.Logger
	server *StratumServer
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(cfg *config.Config, logger *log.Logger, server *StratumServer) *MessageHandler {
	return &MessageHandler{
		cfg:    cfg,
		logger: logger.WithComponent("handler"),
		server: server,
	}
}

// HandleMessage handles incoming Stratum messages
func (h *MessageHandler) HandleMessage(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	if msg.IsRequest() {
		return h.handleRequest(ctx, session, msg)
	}

	h.logger.Debug("ignoring non-request message", "method", msg.Method)
	return nil
}

func (h *MessageHandler) handleRequest(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	switch msg.Method {
	case stratum.MethodSubscribe:
		return h.handleSubscribe(ctx, session, msg)
	case stratum.MethodExtranonce:
		return session.SendResponse(msg.ID, true)
	case stratum.MethodAuthorize:
		return h.handleAuthorize(ctx, session, msg)
	case stratum.MethodSubmit:
		return h.handleSubmit(ctx, session, msg)
	default:
		h.logger.Debug("unknown method", "method", msg.Method)
		return session.SendError(msg.ID, stratum.ErrorMethodNotFound, "Method not found")
	}
}

func (h *MessageHandler) handleSubscribe(_ context.Context, session *stratum.Session, msg *stratum.Message) error {
	req, err := stratum.ParseSubscribeRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, stratum.ErrorInvalidParams, "Invalid parameters")
	}

	extraNonce := h.server.nextExtraNonce()
	session.Subscribe(req.UserAgent, extraNonce)

	h.logger.Debug("miner subscribed",
		"session_id", session.ConnectionID(),
		"user_agent", req.UserAgent,
		"protocol", req.Protocol,
	)

	return session.SendResponse(msg.ID, stratum.SubscribeResult(session.ConnectionID(), extraNonce))
}

func (h *MessageHandler) handleAuthorize(_ context.Context, session *stratum.Session, msg *stratum.Message) error {
	if !session.IsSubscribed() {
		return session.SendError(msg.ID, stratum.ErrorNotSubscribed, "Not subscribed")
	}

	req, err := stratum.ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, stratum.ErrorInvalidParams, "Invalid parameters")
	}

	miner := req.Miner()
	if !isAddress(miner) {
		return session.SendError(msg.ID, stratum.ErrorUnauthorized, "Invalid address")
	}

	session.Authorize(strings.ToLower(miner), req.Worker())
	session.SetDifficulty(h.cfg.StartDifficulty)

	h.logger.WithMiner(session.Miner(), session.Worker()).Info("miner authorized")

	if err := session.SendResponse(msg.ID, true); err != nil {
		return err
	}
	if err := session.SendNotification(stratum.MethodSetDifficulty, []any{h.cfg.StartDifficulty}); err != nil {
		return err
	}
	if job := h.server.CurrentJob(); job != nil {
		h.server.sendJobToSession(session, job)
	}
	return nil
}

func (h *MessageHandler) handleSubmit(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	if !session.IsAuthorized() {
		return session.SendError(msg.ID, stratum.ErrorUnauthorized, "Not authorized")
	}

	req, err := stratum.ParseSubmitRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, stratum.ErrorInvalidParams, "Invalid parameters")
	}

	nonce := nonceSuffix(session.ExtraNonce(), req.Nonce)
	if _, err := h.server.jobs.SubmitShare(ctx, req.JobID, session, nonce); err != nil {
		return h.rejectShare(ctx, session, msg, err)
	}

	session.RecordShare()
	if err := session.SendResponse(msg.ID, true); err != nil {
		return err
	}

	if adjust, next := session.ShouldAdjustDifficulty(); adjust {
		h.logger.WithMiner(session.Miner(), session.Worker()).Debug("adjusting difficulty",
			"old_difficulty", session.Difficulty(),
			"new_difficulty", next,
		)
		session.SetDifficulty(next)
		return session.SendNotification(stratum.MethodSetDifficulty, []any{next})
	}
	return nil
}

// rejectShare answers a rejected submission. Shares that are wrong rather
// than late count towards the invalid share limit; a session over it is
// closed after the reply.
func (h *MessageHandler) rejectShare(ctx context.Context, session *stratum.Session, msg *stratum.Message, err error) error {
	reason := validation.ReasonOf(err)
	if reason == "" {
		h.logger.WithError(err).Error("share validation failed")
		return session.SendError(msg.ID, stratum.ErrorOther, "Internal error")
	}

	sendErr := session.SendError(msg.ID, stratum.RejectCode(reason), err.Error())

	switch reason {
	case validation.ReasonInvalidHash, validation.ReasonLowDifficulty,
		validation.ReasonMalformedNonce, validation.ReasonDuplicateShare:
		if h.server.recordInvalidShare(ctx, session) {
			h.logger.WithMiner(session.Miner(), session.Worker()).Warn("invalid share limit exceeded, disconnecting",
				"remote_addr", session.RemoteAddr(),
			)
			session.Close()
		}
	}
	return sendErr
}

// nonceSuffix strips the session's extranonce from a nonce submitted in
// full, so both submission styles name the same nonce.
func nonceSuffix(extraNonce, nonce string) string {
	n := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(nonce), "0x"), "0X"))
	if extraNonce != "" && len(n) == 16 && strings.HasPrefix(n, extraNonce) {
		return n[len(extraNonce):]
	}
	return nonce
}

// isAddress reports whether s is a 0x-prefixed 20-byte hex address
func isAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}
