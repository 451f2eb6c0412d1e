package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"go-marketpay/config"
	"go-marketpay/payment/checkout"
	"go-marketpay/payment/commission"
	"go-marketpay/payment/db"
	"go-marketpay/payment/ledger"
	"go-marketpay/payment/order"
	"go-marketpay/payment/payout"
	"go-marketpay/payment/provider"
	"go-marketpay/payment/settlement"
	"go-marketpay/payment/webhook"
	"go-marketpay/service"
	"go-marketpay/utils"
	"go-marketpay/web/controllers"
	"go-marketpay/web/middleware"
)

func main() {
	utils.LoadEnv()
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if err := run(cfg); err != nil {
		slog.Error("payment service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET is empty, every token will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DSN)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		return err
	}
	ids, err := utils.NewIDGenerator(cfg.NodeID)
	if err != nil {
		return err
	}
	if err := config.Seed(ctx, gdb, cfg, ids); err != nil {
		return err
	}

	cache := config.NewCache(gdb)
	l := ledger.New(gdb, ids)
	rates := provider.NewRates(cfg.RatesURL, cfg.RatesTTL, nil)
	registry := provider.NewRegistry(cache, map[string]provider.Provider{
		provider.Key(db.ProviderNamePayPal, ""):                     provider.NewPayPal(cache, nil),
		provider.Key(db.ProviderNameBlockchain, db.NetworkTron):     provider.NewChain(db.NetworkTron, cache, nil).WithRates(rates).WithSpent(l),
		provider.Key(db.ProviderNameBlockchain, db.NetworkEthereum): provider.NewChain(db.NetworkEthereum, cache, nil).WithRates(rates).WithSpent(l),
	})
	if err := registry.Reload(ctx); err != nil {
		return err
	}

	resources := order.GormResources{DB: gdb}
	orders := order.NewManager(gdb, ids, resources, cfg.OrderTTL, cfg.DefaultCurrency)
	rules := commission.NewStore(gdb, ids)
	payoutConfigs := payout.NewConfigStore(gdb, ids)
	coord := settlement.New(settlement.Deps{
		DB:         gdb,
		IDs:        ids,
		Orders:     orders,
		Ledger:     l,
		Resources:  resources,
		Calculator: commission.NewCalculator(rules),
		Payouts:    payoutConfigs,
		Accounts:   cache,
		OnTerminal: registry.Release,
	})
	svc := checkout.New(orders, l, registry, coord, cache)
	n, err := svc.RestoreReservations(ctx)
	if err != nil {
		return err
	}
	slog.Info("restored on-chain reservations", "count", n)

	var pub payout.Publisher = payout.LogPublisher{}
	if cfg.AMQPURL != "" {
		mq, err := payout.NewRabbitMQPublisher(ctx, cfg.AMQPURL, cfg.PayoutQueue)
		if err != nil {
			return err
		}
		defer mq.Close()
		pub = mq
	}
	dispatcher := payout.NewDispatcher(gdb, pub)

	var store middleware.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		store = middleware.NewRedisStore(rdb)
	} else {
		mem := middleware.NewMemoryStore()
		go mem.Cleanup(ctx, 10*time.Minute, cfg.RateWindow)
		store = mem
	}

	go orders.RunExpiry(ctx, cfg.ExpireInterval, svc.OrdersExpired)
	go svc.RunPoller(ctx, cfg.PollInterval)
	go coord.RunMonitor(ctx, cfg.SettlementRetryInterval)
	go dispatcher.Run(ctx, cfg.PayoutInterval)

	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "X-API-Key")
	corsCfg.AllowCredentials = true
	if len(cfg.CORSOrigins) == 0 {
		corsCfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		corsCfg.AllowOrigins = cfg.CORSOrigins
	}
	r.Use(cors.New(corsCfg))

	h := &controllers.Handler{
		Orders:        orders,
		Checkout:      svc,
		Coordinator:   coord,
		Webhooks:      webhook.New(gdb, ids, cache, cache, l, coord),
		Rules:         rules,
		PayoutConfigs: payoutConfigs,
		Payouts:       dispatcher,
		Config:        cache,
		Registry:      registry,
		IDs:           ids,
	}
	h.Register(r, middleware.NewAuth(cfg.JWTSecret), middleware.NewRateLimiter(store, cfg.RateLimit, cfg.RateWindow))

	done, err := service.Start(ctx, "payment", ":"+cfg.Port, r)
	if err != nil {
		return err
	}
	<-done.Done()
	return nil
}
