package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pigeon/global"
	"pigeon/logger"
	"pigeon/module/msgstore"
	"pigeon/service/dispatch"
	"pigeon/service/gateway"
	"pigeon/service/kafka"
	"pigeon/service/registry"
	"pigeon/service/route"
	"pigeon/service/rpc"
	"pigeon/service/social"
	pgstore "pigeon/service/storage/pg"
	redisstore "pigeon/service/storage/redis"
	"pigeon/tools/ids"
)

type app struct {
	cfg      *global.Config
	store    msgstore.Store
	dir      social.Directory
	routes   route.Directory
	producer *kafka.Producer
	reg      *registry.Registry

	closers []func()
}

func main() {
	cfg := global.Load()
	defer logger.Sync()
	ids.SetNodeID(cfg.NodeID)

	a := &app{cfg: cfg}
	if err := a.initInfra(); err != nil {
		logger.Error("init infra failed", zap.Error(err))
		os.Exit(1)
	}

	switch cfg.Role {
	case "store":
		a.bootStore()
	case "gateway":
		a.bootGateway()
	case "dispatch":
		a.bootDispatch()
	case "all":
		a.bootStore()
		a.bootGateway()
		a.bootDispatch()
	default:
		logger.Error("unknown role", zap.String("role", cfg.Role))
		os.Exit(1)
	}

	logger.Info("pigeon started", zap.String("role", cfg.Role))
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// initInfra 所有角色共用的基础设施。
func (a *app) initInfra() error {
	cfg := a.cfg

	if err := redisstore.Init(redisstore.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}); err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	a.closers = append(a.closers, func() { _ = redisstore.Close() })

	if err := pgstore.Init(pgstore.Config{URL: cfg.Postgres.URL}); err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	a.closers = append(a.closers, pgstore.Close)

	if _, err := rpc.Init(rpc.Conf{Servers: cfg.Nats.Servers, Name: cfg.Nats.Name}); err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	a.closers = append(a.closers, func() { _ = rpc.Close() })

	st := msgstore.NewPgStore(pgstore.GetPool())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	a.store = st

	a.dir = social.NewNatsDirectory(rpc.GetConn(), cfg.SocialTimeout)
	a.routes = route.NewRedisDirectory(redisstore.GetRedis(), cfg.Gateway.RouteTTL)

	if cfg.Nacos.Enable {
		reg, err := registry.New(registry.Conf{
			Addr:      fmt.Sprintf("%s:%d", cfg.Nacos.Addr, cfg.Nacos.Port),
			Namespace: cfg.Nacos.Namespace,
			Group:     cfg.Nacos.Group,
		})
		if err != nil {
			return fmt.Errorf("init nacos: %w", err)
		}
		a.reg = reg
		a.closers = append(a.closers, reg.Deregister)
	}
	return nil
}

// bootStore 写路径 + 扇出/outbox 搬运 + pull HTTP 边界。
func (a *app) bootStore() {
	cfg := a.cfg

	if cfg.Kafka.AutoCreateTopicsOnStart {
		if err := kafka.EnsureTopic(kafka.Conf{Brokers: cfg.Kafka.Brokers}, cfg.Kafka.OutboxTopic); err != nil {
			logger.Warn("ensure outbox topic failed", zap.Error(err))
		}
	}
	producer, err := kafka.NewProducer(kafka.Conf{Brokers: cfg.Kafka.Brokers})
	if err != nil {
		logger.Error("init kafka producer failed", zap.Error(err))
		os.Exit(1)
	}
	a.producer = producer
	a.closers = append(a.closers, func() { _ = producer.Close() })

	seq := msgstore.NewRedisSequencer(redisstore.GetRedis(), a.store)
	svc := msgstore.NewService(a.store, seq, a.dir, cfg.Kafka.OutboxTopic)

	fanout := msgstore.NewFanoutWorker(a.store, a.dir, msgstore.WorkerConf{
		PoolSize:     cfg.Fanout.PoolSize,
		MaxRetry:     int32(cfg.Fanout.MaxRetry),
		PollInterval: cfg.Fanout.PollInterval,
		Lease:        cfg.Fanout.Lease,
		CallTimeout:  cfg.SocialTimeout,
	})
	fanout.Start()
	a.closers = append(a.closers, fanout.Stop)

	outbox := msgstore.NewOutboxWorker(a.store, producer, msgstore.WorkerConf{
		PoolSize:     cfg.Outbox.PoolSize,
		MaxRetry:     int32(cfg.Outbox.MaxRetry),
		PollInterval: cfg.Outbox.PollInterval,
		Lease:        cfg.Outbox.Lease,
	})
	outbox.Start()
	a.closers = append(a.closers, outbox.Stop)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	msgstore.NewHandler(svc).Register(r)
	go func() {
		if err := r.Run(cfg.HTTPAddr); err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	}()
	logger.Info("store booted", zap.String("http", cfg.HTTPAddr))
}

// bootGateway 长连接接入 + 投递应答。
func (a *app) bootGateway() {
	cfg := a.cfg

	gw := gateway.New(gateway.Conf{
		ID:            cfg.Gateway.ID,
		MaxFrameBytes: cfg.Gateway.MaxFrameBytes,
		AuthWindow:    cfg.Gateway.AuthWindow,
		ReadTimeout:   cfg.Gateway.ReadTimeout,
		WriteWait:     cfg.Gateway.WriteWait,
		PingEvery:     cfg.Gateway.PingInterval,
		JWTSecret:     cfg.JWTSecretBytes(),
		MaxPerUser:    cfg.Gateway.MaxPerUser,
		SendQueue:     cfg.Gateway.SendQueue,
	}, a.routes)
	a.closers = append(a.closers, gw.Close)

	if err := gw.StartDeliver(rpc.GetConn()); err != nil {
		logger.Error("start deliver subscription failed", zap.Error(err))
		os.Exit(1)
	}

	tcpSrv := gateway.NewTCPServer(gw, cfg.Gateway.TCPAddr)
	if err := tcpSrv.Start(); err != nil {
		logger.Error("tcp listen failed", zap.Error(err))
		os.Exit(1)
	}
	a.closers = append(a.closers, tcpSrv.Close)

	wsSrv := gateway.NewWSServer(gw, cfg.Gateway.WSAddr)
	if err := wsSrv.Start(); err != nil {
		logger.Error("ws listen failed", zap.Error(err))
		os.Exit(1)
	}
	a.closers = append(a.closers, wsSrv.Close)

	if a.reg != nil {
		ip := env("PIGEON_ADVERTISE_IP", "127.0.0.1")
		if err := a.reg.Register(cfg.Nacos.ServiceName, ip, portOf(cfg.Gateway.TCPAddr), map[string]string{
			"gateway.id": cfg.Gateway.ID,
		}); err != nil {
			logger.Warn("register gateway failed", zap.Error(err))
		}
	}
	logger.Info("gateway booted",
		zap.String("id", cfg.Gateway.ID),
		zap.String("tcp", cfg.Gateway.TCPAddr),
		zap.String("ws", cfg.Gateway.WSAddr))
}

// bootDispatch 消费 msg.new 并做在线推送。
func (a *app) bootDispatch() {
	cfg := a.cfg

	cached := route.NewCachedDirectory(a.routes, cfg.RouteCacheTTL)
	disp := dispatch.New(cached, rpc.NewDeliverClient(rpc.GetConn()), dispatch.Conf{
		DeliverTimeout: cfg.DeliverTimeout,
	})
	pipe := dispatch.NewPipeline(disp, a.dir, cfg.SocialTimeout)

	cg, err := kafka.StartConsumerGroup(cfg.Kafka.Brokers, "pigeon-dispatch",
		[]string{cfg.Kafka.OutboxTopic}, pipe.HandleEvent)
	if err != nil {
		logger.Error("start consumer group failed", zap.Error(err))
		os.Exit(1)
	}
	a.closers = append(a.closers, func() { _ = cg.Close() })

	if a.reg != nil {
		// 网关扩缩容日志可见，端点表本身走路由目录
		if err := a.reg.Subscribe(cfg.Nacos.ServiceName, func(insts []*registry.Instance) {
			gws := make([]string, 0, len(insts))
			for _, in := range insts {
				gws = append(gws, in.GatewayID())
			}
			logger.Info("gateway instances changed", zap.Strings("gateways", gws))
		}); err != nil {
			logger.Warn("subscribe gateways failed", zap.Error(err))
		}
	}
	logger.Info("dispatch booted", zap.String("topic", cfg.Kafka.OutboxTopic))
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func portOf(addr string) uint64 {
	var port uint64
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			_, _ = fmt.Sscanf(addr[i+1:], "%d", &port)
			break
		}
	}
	if port == 0 {
		port = 9300
	}
	return port
}
