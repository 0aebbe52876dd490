package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/ProSteveMchuma/melagro-core-go/internal/inventory"
	"github.com/ProSteveMchuma/melagro-core-go/internal/notify"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/domain"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/lifecycle"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/payment"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/placement"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/storage"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/storage/memory"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/storage/postgres"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/contracts"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/kafka"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/metrics"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/outbox"
)

type cfg struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	KafkaBrokers    string        `env:"KAFKA_BROKERS"`
	GatewayBaseURL  string        `env:"GATEWAY_BASE_URL"`
	GatewayTimeout  time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
	PaymentWait     time.Duration `env:"PAYMENT_WAIT" envDefault:"120s"`
	CardCheckoutURL string        `env:"CARD_CHECKOUT_URL" envDefault:"https://pay.melagro.example/checkout"`
}

// coreStore is what the handlers need from either storage backend.
type coreStore interface {
	storage.Store
	notify.Sink
	contracts.Recorder
	LookupIdempotentOrder(ctx context.Context, key string) (domain.OrderID, error)
	RememberIdempotentOrder(ctx context.Context, key string, id domain.OrderID) error
}

func main() {
	var cfg cfg
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store coreStore
		pool  *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		var err error
		pool, err = pgxpool.New(initCtx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect error: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(initCtx); err != nil {
			log.Fatalf("db ping error: %v", err)
		}
		if err := postgres.EnsureSchema(initCtx, pool); err != nil {
			log.Fatalf("schema error: %v", err)
		}
		store = postgres.New(pool)
	} else {
		// Demo mode: everything in memory, a seeded shelf and one admin.
		mem := memory.New()
		mem.SeedAdmins("admin-1")
		mem.SeedProduct(inventory.Product{ID: "dap-fertilizer-50kg", Name: "DAP Fertilizer 50kg", Price: 7500, StockQuantity: 40})
		mem.SeedProduct(inventory.Product{ID: "maize-seed-10kg", Name: "Hybrid Maize Seed 10kg", Price: 4200, StockQuantity: 25})
		mem.SeedProduct(inventory.Product{ID: "knapsack-sprayer", Name: "Knapsack Sprayer 20L", Price: 3500, StockQuantity: 10})
		store = mem
		log.Print("order-service running in demo mode (no DATABASE_URL)")
	}

	srvMetrics := metrics.NewServerMetrics("order_service", nil)
	coreMetrics := metrics.NewCoreMetrics(nil)
	if pgStore, ok := store.(*postgres.Store); ok {
		pgStore.Metrics = coreMetrics
	}

	dispatcher := &notify.SinkDispatcher{Sink: store}

	engine := placement.NewEngine(store, dispatcher, coreMetrics)
	engine.Events = store
	manager := lifecycle.NewManager(store, dispatcher, coreMetrics)
	manager.Events = store

	var gw payment.Gateway
	if cfg.GatewayBaseURL != "" {
		gw = payment.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayTimeout)
	}
	reconciler := payment.NewReconciler(store, gw, coreMetrics)
	reconciler.Wait = cfg.PaymentWait
	reconciler.Events = store

	api := &api{
		store:      store,
		engine:     engine,
		manager:    manager,
		reconciler: reconciler,
		metrics:    srvMetrics,
		cardURL:    cfg.CardCheckoutURL,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("order-service listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if pgStore, ok := store.(*postgres.Store); ok {
		g.Go(func() error {
			err := pgStore.Listen(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		if client := kafka.NewClient(cfg.KafkaBrokers); client.Enabled() {
			g.Go(func() error {
				relayOutbox(ctx, pool, client)
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("order-service error: %v", err)
	}
}

// relayOutbox drains pending outbox rows to Kafka, each to the topic it was
// queued under. Delivery is at least once; consumers dedupe on event id.
func relayOutbox(ctx context.Context, pool *pgxpool.Pool, client *kafka.Client) {
	writer := client.NewWriter()
	defer writer.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		records, err := outbox.FetchPending(ctx, pool, 100)
		if err != nil {
			log.Printf("outbox fetch error: %v", err)
			continue
		}
		for _, rec := range records {
			if err := kafka.PublishJSON(ctx, writer, rec.Topic, rec.Key, json.RawMessage(rec.Payload)); err != nil {
				log.Printf("outbox publish error: %v", err)
				break
			}
			if err := outbox.MarkSent(ctx, pool, rec.ID); err != nil {
				log.Printf("outbox mark error: %v", err)
			}
		}
	}
}
