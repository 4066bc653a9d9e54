// Command fixgateway runs the FIX acceptor side of the session gateway: it
// listens for counterparty TCP connections, negotiates Logon, and drives
// every bound session's state machine from a single framer loop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/wyfcoding/fixgateway/internal/adminapi"
	"github.com/wyfcoding/fixgateway/internal/archive"
	"github.com/wyfcoding/fixgateway/internal/clock"
	"github.com/wyfcoding/fixgateway/internal/compositekey"
	"github.com/wyfcoding/fixgateway/internal/dupguard"
	"github.com/wyfcoding/fixgateway/internal/engine"
	"github.com/wyfcoding/fixgateway/internal/publication"
	"github.com/wyfcoding/fixgateway/internal/registry"
	"github.com/wyfcoding/fixgateway/internal/registry/mysql"
	"github.com/wyfcoding/fixgateway/internal/sequencestore"
	"github.com/wyfcoding/fixgateway/internal/session"
	"github.com/wyfcoding/fixgateway/internal/transport"
	"github.com/wyfcoding/fixgateway/internal/wire/fix"
	"github.com/wyfcoding/fixgateway/pkg/cache"
	"github.com/wyfcoding/fixgateway/pkg/config"
	"github.com/wyfcoding/fixgateway/pkg/db"
	"github.com/wyfcoding/fixgateway/pkg/logger"
	"github.com/wyfcoding/fixgateway/pkg/metrics"
	"github.com/wyfcoding/fixgateway/pkg/mq"
	"github.com/wyfcoding/fixgateway/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fixgateway: load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level: cfg.Logger.Level, Format: cfg.Logger.Format, Output: cfg.Logger.Output,
		FilePath: cfg.Logger.FilePath, MaxSize: cfg.Logger.MaxSize, MaxBackups: cfg.Logger.MaxBackups,
		MaxAge: cfg.Logger.MaxAge, Compress: cfg.Logger.Compress, WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "fixgateway: init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error(ctx, "fixgateway: exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	gormDB, err := db.Init(db.Config{
		Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns, ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LogEnabled: cfg.Database.LogEnabled, SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer gormDB.Close()

	dir := mysql.NewDirectory(gormDB.DB)
	if err := dir.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate session directory: %w", err)
	}

	redisCache, err := cache.New(cache.Config{
		Host: cfg.Redis.Host, Port: cfg.Redis.Port, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
		MaxPoolSize: cfg.Redis.MaxPoolSize, ConnTimeout: cfg.Redis.ConnTimeout,
		ReadTimeout: cfg.Redis.ReadTimeout, WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	defer redisCache.Close()
	guard := dupguard.New(redisCache, 2*time.Duration(cfg.Gateway.HeartbeatIntervalMs)*time.Millisecond, hostname())

	producer, err := mq.NewProducer(mq.KafkaConfig{
		Brokers: cfg.Kafka.Brokers, Partitions: cfg.Kafka.Partitions, Replication: cfg.Kafka.Replication,
		SessionTimeout: cfg.Kafka.SessionTimeout, MaxRetries: 3, RetryBackoff: 100,
	})
	if err != nil {
		return fmt.Errorf("init kafka producer: %w", err)
	}
	defer producer.Close()
	archiveWriter := archive.NewWriter(producer, "fixgateway.frames")

	store, err := sequencestore.Open(cfg.Gateway.LogFileDir)
	if err != nil {
		return fmt.Errorf("open sequence store: %w", err)
	}

	reg := registry.New()
	pub, err := publication.New(4096)
	if err != nil {
		return fmt.Errorf("init publication: %w", err)
	}
	conns := transport.NewRegistry()

	m := metrics.New("fixgateway")
	if cfg.Metrics.Enabled {
		if err := m.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if err := metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}
	collector := metrics.NewDefaultCollector(m)

	eng := engine.New(reg, clock.New(), engine.DefaultConfig(), collector)
	go eng.Run(ctx)

	limiter := ratelimit.NewRedisRateLimiter(redisCache.GetClient())
	adminSrv := adminapi.New(reg, dir, limiter, cfg.RateLimit)
	httpServer := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port), Handler: adminSrv.Handler()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "fixgateway: admin http server failed", "error", err)
		}
	}()

	go transport.WriteLoop(ctx, publication.NewReader(pub), conns, time.Millisecond)

	var nextConnID uint64
	handler := &frameHandler{archive: archiveWriter}

	listener, err := net.Listen("tcp", cfg.Fix.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Fix.ListenAddr, err)
	}
	defer listener.Close()
	logger.Info(ctx, "fixgateway: listening", "addr", cfg.Fix.ListenAddr)

	go acceptLoop(ctx, listener, cfg, reg, dir, guard, store, pub, conns, clock.New(), handler, &nextConnID)

	<-ctx.Done()
	logger.Info(ctx, "fixgateway: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Gateway.HeartbeatIntervalMs)*time.Millisecond*2)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	return eng.Close(shutdownCtx)
}

func acceptLoop(ctx context.Context, listener net.Listener, cfg *config.Config, reg *registry.Registry, dir *mysql.Directory, guard *dupguard.Guard, store *sequencestore.Store, pub *publication.Publication, conns *transport.Registry, clk clock.Clock, handler session.Handler, nextConnID *uint64) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Error(ctx, "fixgateway: accept failed", "error", err)
				continue
			}
		}
		connID := atomic.AddUint64(nextConnID, 1)
		go handleConn(ctx, conn, connID, cfg, reg, dir, guard, store, pub, conns, clk, handler)
	}
}

func handleConn(ctx context.Context, conn net.Conn, connID uint64, cfg *config.Config, reg *registry.Registry, dir *mysql.Directory, guard *dupguard.Guard, store *sequencestore.Store, pub *publication.Publication, conns *transport.Registry, clk clock.Clock, handler session.Handler) {
	defer conn.Close()

	key := compositekey.New(cfg.Fix.SenderCompID, "", "", cfg.Fix.TargetCompID)

	acquired, err := guard.Acquire(ctx, key, cfg.Fix.HostProfile)
	if err != nil {
		logger.Error(ctx, "fixgateway: duplicate-connection guard failed", "error", err)
		return
	}
	if !acquired {
		logger.Warn(ctx, "fixgateway: rejecting connection, session already bound on another process", "conn_id", connID)
		return
	}
	defer guard.Release(context.Background(), key, cfg.Fix.HostProfile)

	conns.Register(connID, conn)
	defer conns.Unregister(connID)

	fixCfg := session.FixConfig{
		SenderCompID: cfg.Fix.SenderCompID, TargetCompID: cfg.Fix.TargetCompID,
		Username: cfg.Fix.Username, Password: cfg.Fix.Password,
		HeartbeatIntervalSec: int(cfg.Gateway.HeartbeatIntervalMs / 1000), ResetSeqNum: cfg.Gateway.ResetSeqNum,
		ReasonableTransmissionTimeMs: cfg.Gateway.ReasonableTransmissionTimeMs,
	}

	allocID := func() (uint64, error) {
		return dir.AllocateOrLookup(ctx, key, cfg.Fix.HostProfile, "FIX", "acceptor")
	}
	makeSession := func(sid uint64) (registry.Pollable, error) {
		return session.NewFixSession(session.FixRoleAcceptor, key, sid, fixCfg, clk, pub, connID, store, handler)
	}
	id, created, err := reg.LookupOrCreate(key, cfg.Fix.HostProfile, allocID, makeSession)
	if err != nil {
		logger.Error(ctx, "fixgateway: register session", "error", err)
		return
	}

	sess, ok := reg.Sessions()[id].(*session.FixSession)
	if !ok {
		logger.Error(ctx, "fixgateway: session lookup returned wrong type", "session_id", id)
		return
	}
	if !created {
		sess.Rebind(connID)
	}

	if err := reg.Bind(id, connID); err != nil {
		logger.Error(ctx, "fixgateway: bind connection", "error", err)
		return
	}
	defer reg.MarkTerminal(id)

	decode := func(buf []byte) (int, interface{}, error) {
		msg, n, err := fix.Decode(buf)
		if err != nil {
			return 0, nil, err
		}
		return n, msg, nil
	}
	isIncomplete := func(err error) bool { return errors.Is(err, fix.ErrIncomplete) }
	dispatch := func(msg interface{}) error { return sess.HandleInbound(msg.(*fix.Message)) }

	if err := transport.ReadLoop(conn, decode, isIncomplete, dispatch); err != nil {
		logger.Info(ctx, "fixgateway: connection closed", "conn_id", connID, "error", err)
	}
}

// frameHandler is the session.Handler that archives every accepted business
// message and logs session lifecycle events; it holds no session state of
// its own, per spec.md §6.4's "must not block" contract.
type frameHandler struct {
	archive *archive.Writer
}

func (h *frameHandler) OnMessage(id session.Identity, seq uint64, templateID uint16, buf []byte) {
	if buf == nil {
		return
	}
	_ = h.archive.Append(context.Background(), archiveFrame(id, archive.Inbound, seq, buf))
}

func (h *frameHandler) OnFrameSent(id session.Identity, seq uint64, data []byte) {
	_ = h.archive.Append(context.Background(), archiveFrame(id, archive.Outbound, seq, data))
}

func (h *frameHandler) OnNotApplied(id session.Identity, fromSeqNo uint64, count uint32) session.NotAppliedResolution {
	return session.GapFill
}

func (h *frameHandler) OnRetransmitReject(id session.Identity, reason uint8, fromSeqNo uint64, count uint32, errorCodes uint32) {
	logger.Warn(context.Background(), "fixgateway: retransmit rejected", "session_id", id.SessionID, "reason", reason)
}

func (h *frameHandler) OnDisconnect(id session.Identity, reason error) {
	logger.Info(context.Background(), "fixgateway: session disconnected", "session_id", id.SessionID, "reason", reason)
}

func (h *frameHandler) OnSessionReady(id session.Identity) {
	logger.Info(context.Background(), "fixgateway: session ready", "session_id", id.SessionID)
}

func archiveFrame(id session.Identity, dir archive.Direction, seq uint64, data []byte) archive.Frame {
	return archive.Frame{SessionID: id.SessionID, Direction: dir, SeqNo: seq, Data: data, TimeMs: time.Now().UnixMilli()}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "fixgateway"
	}
	return h
}
