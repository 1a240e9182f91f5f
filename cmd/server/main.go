package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/yola1107/holdem-live/internal/cache"
	"github.com/yola1107/holdem-live/internal/conf"
	"github.com/yola1107/holdem-live/internal/connmgr"
	"github.com/yola1107/holdem-live/internal/data"
	"github.com/yola1107/holdem-live/internal/server"
	"github.com/yola1107/holdem-live/internal/syncer"
	"github.com/yola1107/holdem-live/internal/warmup"
	"github.com/yola1107/holdem-live/library/work"
	"github.com/yola1107/holdem-live/library/xgo"
	"github.com/yola1107/holdem-live/pkg/xlog"
	"github.com/yola1107/holdem-live/pkg/xredis"
)

var flagconf string

func init() {
	flag.StringVar(&flagconf, "conf", "", "config path, e.g. -conf config.yaml")
}

func instanceID() string {
	host, _ := os.Hostname()
	short, _ := gonanoid.New(6)
	return host + "-" + short
}

func main() {
	flag.Parse()

	bc, err := conf.Load(flagconf)
	if err != nil {
		panic(err)
	}

	logMode := xlog.ModeDev
	if bc.Log.Prod {
		logMode = xlog.ModeProd
	}
	logger := xlog.New(&xlog.Config{
		Mode:      logMode,
		AppName:   conf.Name,
		Level:     bc.Log.Level,
		Directory: bc.Log.Directory,
	})
	xlog.SetLogger(logger)
	defer logger.Close()
	xlog.Infof("%s %s starting", conf.Name, conf.Version)

	ctx := context.Background()

	rdb := xredis.NewClient(
		xredis.WithAddress(bc.Redis.Addr),
		xredis.WithPassword(bc.Redis.Password),
		xredis.WithDB(bc.Redis.DB),
		xredis.WithPoolSize(bc.Redis.PoolSize),
	)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		xlog.Fatalf("redis unreachable: %v", err)
	}

	d, cleanup, err := data.NewData(ctx, bc.Postgres.DSN)
	if err != nil {
		xlog.Fatalf("postgres unreachable: %v", err)
	}
	defer cleanup()
	repo := data.NewRepo(d)

	loop := work.NewAntsLoop(200)
	if err := loop.Start(); err != nil {
		xlog.Fatalf("task loop: %v", err)
	}
	timer := work.NewWheelScheduler(loop)

	tables := cache.NewTableStore(rdb, bc.Cache.TableTTL.AsDuration())
	hands := cache.NewHandStore(rdb, bc.Cache.HandTTL.AsDuration())

	// warmup runs to completion before any traffic: the cache must never be
	// the sole source of truth for a table the database does not know about
	wm := warmup.New(repo, tables, rdb, bc.Cache.RoomListTTL.AsDuration())
	if err := wm.FullWarmup(ctx); err != nil {
		xlog.Fatalf("warmup: %v", err)
	}

	sync := syncer.New(tables, hands, repo, rdb, timer, bc.Syncer.Interval.AsDuration(), bc.Syncer.BatchSize)
	if err := sync.Start(); err != nil {
		xlog.Fatalf("syncer: %v", err)
	}

	mgr := connmgr.NewManager(connmgr.Config{
		MaxConnections:    bc.ConnMgr.MaxConnections,
		MaxPerUser:        bc.ConnMgr.MaxPerUser,
		HeartbeatInterval: bc.ConnMgr.HeartbeatInterval.AsDuration(),
		HeartbeatTimeout:  bc.ConnMgr.HeartbeatTimeout.AsDuration(),
		SnapshotTTL:       bc.Cache.ReconnectTTL.AsDuration(),
	}, instanceID(), rdb, timer)
	if err := mgr.Start(ctx); err != nil {
		xlog.Fatalf("connmgr: %v", err)
	}

	srv := server.NewServer(bc.Server, bc.ConnMgr, mgr)
	xgo.Go(func() {
		if err := srv.Start(); err != nil {
			xlog.Fatalf("websocket server: %v", err)
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	xlog.Infof("signal %v, shutting down", sig)

	// drain order: stop accepting, close sockets, flush pending writes
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		xlog.Warnf("server stop: %v", err)
	}
	mgr.Close(shutdownCtx)
	sync.Stop(shutdownCtx)
	timer.Stop()
	loop.Stop()
	xlog.Infof("%s stopped", conf.Name)
}
