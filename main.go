package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cartsync-agent/internal/auth"
	"cartsync-agent/internal/cart"
	"cartsync-agent/internal/config"
	"cartsync-agent/internal/events"
	httpapi "cartsync-agent/internal/http"
	"cartsync-agent/internal/logger"
	"cartsync-agent/internal/netstatus"
	"cartsync-agent/internal/offline"
	"cartsync-agent/internal/pricing"
	"cartsync-agent/internal/ws"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log, err := logger.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	var publisher *events.Publisher
	if cfg.RabbitMQURL != "" {
		pub, err := events.New(cfg.RabbitMQURL)
		if err != nil {
			if cfg.Env == "production" {
				log.Fatal("rabbitmq connection failed", zap.Error(err))
			}
			log.Warn("rabbitmq connection failed; continuing without events", zap.Error(err))
			pub = nil
		}
		if pub != nil {
			if err := pub.EnsureExchange(); err != nil {
				if cfg.Env == "production" {
					log.Fatal("rabbitmq exchange failed", zap.Error(err))
				}
				log.Warn("rabbitmq exchange failed; continuing without events", zap.Error(err))
				_ = pub.Close()
				pub = nil
			}
		}
		publisher = pub
		if pub != nil {
			defer pub.Close()
			log.Info("event publishing enabled", zap.String("exchange", events.Exchange))
		}
	} else {
		log.Info("event publishing disabled (RABBITMQ_URL is empty)")
	}

	queue := offline.NewQueue(offline.Options{
		Path:       cfg.QueuePath,
		MaxAge:     cfg.QueueMaxAge,
		MaxRetries: cfg.RetryMax,
		BaseDelay:  cfg.RetryBaseDelay,
	}, log)
	if err := queue.Load(); err != nil {
		log.Warn("offline queue load failed", zap.Error(err))
	}
	if depth := queue.Len(); depth > 0 {
		log.Info("offline queue restored", zap.Int("depth", depth))
	}

	gate := netstatus.New(
		netstatus.DialProbe(cfg.OrderServiceURL, 3*time.Second),
		cfg.ProbeInterval,
		log,
	)

	creds := auth.NewStore()
	manager := cart.NewManager(cart.ManagerOptions{
		OrderServiceURL: cfg.OrderServiceURL,
		RequestTimeout:  cfg.OrderServiceTimeout,
		Engine: cart.Config{
			Debounce: cfg.DebounceInterval,
			Fees: pricing.FeeConfig{
				TaxPercent:   cfg.TaxPercent,
				DeliveryFee:  cfg.DeliveryFee,
				PackagingFee: cfg.PackagingFee,
				PlatformFee:  cfg.PlatformFee,
			},
		},
		Credentials: creds,
		Queue:       queue,
		Gate:        gate,
		Logger:      log,
	})

	wsServer := ws.New(log)
	manager.SetNotifier(func(sessionID string, snap cart.Snapshot) {
		wsServer.Broadcast(sessionID, snap)
	})
	if publisher != nil {
		manager.SetPublisher(func(routingKey string, payload any) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := publisher.PublishJSON(ctx, routingKey, payload); err != nil {
				log.Debug("event publish failed", zap.String("routingKey", routingKey), zap.Error(err))
			}
		})
	}

	rootCtx, stopGate := context.WithCancel(context.Background())
	gate.OnReconnect(func() {
		go manager.FlushQueue(rootCtx)
	})
	gate.Start(rootCtx)

	apiServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewRouter(manager, creds, log, cfg, wsServer),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("cart api ready", zap.String("base", "/api/cart"))
		log.Info("cart ws ready", zap.String("base", "/ws/cart"))
		log.Info("cart sync agent listening", zap.String("addr", cfg.HTTPAddr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	stopGate()
	gate.Stop()
	manager.CloseAll()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctxShutdown); err != nil {
		log.Error("http server shutdown failed", zap.Error(err))
	}
}
