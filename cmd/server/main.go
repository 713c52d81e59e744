package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"musicchat/internal/auth"
	"musicchat/internal/config"
	"musicchat/internal/db"
	clog "musicchat/internal/log"
	"musicchat/internal/mw"
	"musicchat/internal/presence"
	"musicchat/internal/relay"
	"musicchat/internal/server"
	"musicchat/internal/store"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

func main() {
	// main 函数负责加载配置、初始化日志、装配存储与 relay，并在收到信号后按顺序停服。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	ctx := context.Background()
	st, mongoClient := openStore(ctx, cfg, gdb)

	var observers []presence.Observer
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		if nc, err = presence.ConnectNATS(cfg.NATSURL); err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		observers = append(observers, presence.NewNATSPublisher(nc, cfg.NATSSubjectPrefix))
	}
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		mirror := presence.NewRedisMirror(rdb, cfg.RedisPrefix)
		// 进程刚启动时本地没有任何会话，清掉上一次遗留的在线集合。
		if err := mirror.Reset(ctx); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis reset presence")
		}
		observers = append(observers, mirror)
	}

	coord := relay.NewCoordinator(
		auth.NewJWTVerifier(cfg.JWTSecret),
		st,
		presence.NewRegistry[*relay.Session](),
		relay.WithObservers(observers...),
		relay.WithMaxSessionsPerUser(cfg.MaxSessionsPerUser),
	)

	// 控制单个用户或 IP+路由的速率。
	lim := mw.NewLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	go lim.Run(30 * time.Second)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, gdb, st, coord, lim),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.MessageStore).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
		map[string]gfshutdown.Operation{
			// HTTP 与会话必须先停，离线事件发完后才能关闭下游连接。
			"relay": func(ctx context.Context) error {
				log.Info().Msg("graceful shutdown initiated")
				if err := srv.Shutdown(ctx); err != nil {
					return err
				}
				if err := coord.Shutdown(ctx); err != nil {
					return err
				}
				if nc != nil {
					if err := nc.Drain(); err != nil {
						log.Warn().Err(err).Msg("nats drain")
					}
				}
				if rdb != nil {
					if err := rdb.Close(); err != nil {
						log.Warn().Err(err).Msg("redis close")
					}
				}
				if mongoClient != nil {
					if err := mongoClient.Disconnect(ctx); err != nil {
						log.Warn().Err(err).Msg("mongo disconnect")
					}
				}
				return closeDB(gdb)
			},
			"ratelimit": func(context.Context) error {
				lim.Stop()
				return nil
			},
		},
	)

	exitCode := <-wait
	log.Info().Int("code", exitCode).Msg("server exited")
	os.Exit(exitCode)
}

// openStore 按 MESSAGE_STORE 选择消息存储，mongo 时一并返回客户端以便停服时断开。
func openStore(ctx context.Context, cfg config.Config, gdb *gorm.DB) (store.Store, *mongo.Client) {
	switch cfg.MessageStore {
	case config.StoreMongo:
		client, err := store.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			log.Fatal().Err(err).Msg("mongo connect")
		}
		ms := store.NewMongoStore(client.Database(cfg.MongoDatabase))
		if err := ms.EnsureIndexes(ctx); err != nil {
			log.Fatal().Err(err).Msg("mongo indexes")
		}
		return ms, client
	case config.StoreMemory:
		log.Warn().Msg("using in-memory message store, history is lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return store.NewGormStore(gdb), nil
	}
}

func closeDB(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
