// Command ilink3gateway runs the ILink3 initiator side of the session
// gateway: it dials the counterparty, negotiates and establishes a bound
// session, and drives it from the same single-threaded framer loop the FIX
// acceptor uses.
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
	"github.com/wyfcoding/fixgateway/internal/wire/ilink3"
	"github.com/wyfcoding/fixgateway/pkg/cache"
	"github.com/wyfcoding/fixgateway/pkg/config"
	"github.com/wyfcoding/fixgateway/pkg/db"
	"github.com/wyfcoding/fixgateway/pkg/logger"
	"github.com/wyfcoding/fixgateway/pkg/metrics"
	"github.com/wyfcoding/fixgateway/pkg/mq"
	"github.com/wyfcoding/fixgateway/pkg/ratelimit"
	"github.com/wyfcoding/fixgateway/pkg/utils"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ilink3gateway: load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level: cfg.Logger.Level, Format: cfg.Logger.Format, Output: cfg.Logger.Output,
		FilePath: cfg.Logger.FilePath, MaxSize: cfg.Logger.MaxSize, MaxBackups: cfg.Logger.MaxBackups,
		MaxAge: cfg.Logger.MaxAge, Compress: cfg.Logger.Compress, WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "ilink3gateway: init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error(ctx, "ilink3gateway: exited with error", "error", err)
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
	guard := dupguard.New(redisCache, 2*time.Duration(cfg.Gateway.KeepAliveIntervalMs)*time.Millisecond, hostname())

	producer, err := mq.NewProducer(mq.KafkaConfig{
		Brokers: cfg.Kafka.Brokers, Partitions: cfg.Kafka.Partitions, Replication: cfg.Kafka.Replication,
		SessionTimeout: cfg.Kafka.SessionTimeout, MaxRetries: 3, RetryBackoff: 100,
	})
	if err != nil {
		return fmt.Errorf("init kafka producer: %w", err)
	}
	defer producer.Close()
	archiveWriter := archive.NewWriter(producer, "fixgateway.frames")

	consumer, err := mq.NewConsumer(mq.KafkaConfig{Brokers: cfg.Kafka.Brokers, GroupID: "ilink3gateway-replay", SessionTimeout: cfg.Kafka.SessionTimeout}, "fixgateway.frames")
	if err != nil {
		return fmt.Errorf("init kafka consumer: %w", err)
	}
	defer consumer.Close()
	replayer := archive.NewReader(consumer)

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

	m := metrics.New("ilink3gateway")
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
			logger.Error(ctx, "ilink3gateway: admin http server failed", "error", err)
		}
	}()

	go transport.WriteLoop(ctx, publication.NewReader(pub), conns, time.Millisecond)

	handler := &frameHandler{archive: archiveWriter}
	snowflake := utils.NewSnowflakeID(cfg.ILink3.SnowflakeNodeID)

	if err := dialAndRun(ctx, cfg, reg, dir, guard, store, pub, conns, clock.New(), handler, replayer, snowflake); err != nil {
		logger.Error(ctx, "ilink3gateway: initiator connection failed", "error", err)
	}

	<-ctx.Done()
	logger.Info(ctx, "ilink3gateway: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Gateway.KeepAliveIntervalMs)*time.Millisecond*2)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	return eng.Close(shutdownCtx)
}

// dialAndRun opens the single counterparty connection this initiator
// process owns, binds an ILink3Session to it, and pumps inbound bytes until
// the connection drops. SPEC_FULL.md's multi-host fan-out (distinct
// HostProfiles dialing distinct segment hosts) is out of this process's
// scope; run one ilink3gateway per host profile.
func dialAndRun(ctx context.Context, cfg *config.Config, reg *registry.Registry, dir *mysql.Directory, guard *dupguard.Guard, store *sequencestore.Store, pub *publication.Publication, conns *transport.Registry, clk clock.Clock, handler session.Handler, replayer session.Replayer, snowflake *utils.SnowflakeID) error {
	conn, err := net.Dial("tcp", cfg.ILink3.DialAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.ILink3.DialAddr, err)
	}
	defer conn.Close()

	const connID = uint64(1)
	key := compositekey.New(cfg.ILink3.AccessKeyID, "", "", cfg.ILink3.FirmID)

	acquired, err := guard.Acquire(ctx, key, cfg.ILink3.HostProfile)
	if err != nil {
		return fmt.Errorf("duplicate-connection guard: %w", err)
	}
	if !acquired {
		return fmt.Errorf("session already bound on another process for host profile %s", cfg.ILink3.HostProfile)
	}
	defer guard.Release(context.Background(), key, cfg.ILink3.HostProfile)

	conns.Register(connID, conn)
	defer conns.Unregister(connID)

	ilinkCfg := session.ILink3Config{
		AccessKeyID: cfg.ILink3.AccessKeyID, FirmID: cfg.ILink3.FirmID, HostProfile: cfg.ILink3.HostProfile,
		KeepAliveIntervalMs: uint32(cfg.Gateway.KeepAliveIntervalMs), NegotiateTimeoutMs: cfg.Gateway.NegotiateTimeoutMs,
		NextUUID: func() uint64 { return uint64(snowflake.Generate()) },
	}

	allocID := func() (uint64, error) {
		return dir.AllocateOrLookup(ctx, key, cfg.ILink3.HostProfile, "ILINK3", "initiator")
	}
	var sess *session.ILink3Session
	makeSession := func(sid uint64) (registry.Pollable, error) {
		s, err := session.NewILink3Session(key, sid, ilinkCfg, clk, pub, connID, store, handler, replayer)
		if err != nil {
			return nil, err
		}
		sess = s
		return s, nil
	}
	id, created, err := reg.LookupOrCreate(key, cfg.ILink3.HostProfile, allocID, makeSession)
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	if !created {
		pollable, ok := reg.Sessions()[id].(*session.ILink3Session)
		if !ok {
			return fmt.Errorf("session lookup returned wrong type for id %d", id)
		}
		sess = pollable
	}
	if err := reg.Bind(id, connID); err != nil {
		return fmt.Errorf("bind connection: %w", err)
	}
	defer reg.MarkTerminal(id)

	if err := sess.Initiate(); err != nil {
		return fmt.Errorf("initiate negotiate: %w", err)
	}

	type framedMsg struct {
		header ilink3.Header
		msg    interface{}
	}
	decode := func(buf []byte) (int, interface{}, error) {
		header, msg, n, err := ilink3.Decode(buf)
		if err != nil {
			return 0, nil, err
		}
		return n, framedMsg{header: header, msg: msg}, nil
	}
	isIncomplete := func(err error) bool { return errors.Is(err, ilink3.ErrIncomplete) }
	dispatch := func(v interface{}) error {
		f := v.(framedMsg)
		return sess.HandleInbound(f.header, f.msg)
	}

	return transport.ReadLoop(conn, decode, isIncomplete, dispatch)
}

type frameHandler struct {
	archive *archive.Writer
}

func (h *frameHandler) OnMessage(id session.Identity, seq uint64, templateID uint16, buf []byte) {
	if buf == nil {
		return
	}
	_ = h.archive.Append(context.Background(), archive.Frame{SessionID: id.SessionID, Direction: archive.Inbound, SeqNo: seq, Data: buf, TimeMs: time.Now().UnixMilli()})
}

func (h *frameHandler) OnFrameSent(id session.Identity, seq uint64, data []byte) {
	_ = h.archive.Append(context.Background(), archive.Frame{SessionID: id.SessionID, Direction: archive.Outbound, SeqNo: seq, Data: data, TimeMs: time.Now().UnixMilli()})
}

func (h *frameHandler) OnNotApplied(id session.Identity, fromSeqNo uint64, count uint32) session.NotAppliedResolution {
	return session.Retransmit
}

func (h *frameHandler) OnRetransmitReject(id session.Identity, reason uint8, fromSeqNo uint64, count uint32, errorCodes uint32) {
	logger.Warn(context.Background(), "ilink3gateway: retransmit rejected", "session_id", id.SessionID, "reason", reason)
}

func (h *frameHandler) OnDisconnect(id session.Identity, reason error) {
	logger.Info(context.Background(), "ilink3gateway: session disconnected", "session_id", id.SessionID, "reason", reason)
}

func (h *frameHandler) OnSessionReady(id session.Identity) {
	logger.Info(context.Background(), "ilink3gateway: session ready", "session_id", id.SessionID)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "ilink3gateway"
	}
	return h
}
