// notification-service consumes notification events relayed through Kafka
// and stores them for the storefront to read. Delivery from the core is at
// least once; the inbox table dedupes on event id.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ProSteveMchuma/melagro-core-go/pkg/contracts"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/kafka"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/logging"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/metrics"
)

type cfg struct {
	Port         string `env:"PORT" envDefault:"8085"`
	DatabaseURL  string `env:"DATABASE_URL,required"`
	KafkaBrokers string `env:"KAFKA_BROKERS,required"`
	Topic        string `env:"KAFKA_TOPIC" envDefault:"melagro.notifications"`
	GroupID      string `env:"KAFKA_GROUP_ID" envDefault:"notification-service"`
}

const schema = `
CREATE TABLE IF NOT EXISTS inbox (
	event_id    TEXT PRIMARY KEY,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS notifications (
	id      BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	message TEXT NOT NULL,
	date    TIMESTAMPTZ NOT NULL,
	read    BOOLEAN NOT NULL DEFAULT FALSE,
	type    TEXT NOT NULL
);
`

func main() {
	var cfg cfg
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect error: %v", err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, schema); err != nil {
		log.Fatalf("schema error: %v", err)
	}

	srvMetrics := metrics.NewServerMetrics("notification_service", nil)

	client := kafka.NewClient(cfg.KafkaBrokers)
	go consumeEvents(pool, client, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if err := pool.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "db_error"})
			srvMetrics.Requests.WithLabelValues("health", "503").Inc()
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		srvMetrics.Requests.WithLabelValues("health", "200").Inc()
		srvMetrics.LatencyMS.WithLabelValues("health").Observe(float64(time.Since(start).Milliseconds()))
	})
	mux.Handle("GET /metrics", metrics.Handler())

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Printf("notification-service listening on :%s", cfg.Port)
	log.Fatal(srv.ListenAndServe())
}

func consumeEvents(pool *pgxpool.Pool, client *kafka.Client, cfg cfg) {
	reader := client.NewReader(cfg.Topic, cfg.GroupID)
	defer reader.Close()
	for {
		msg, err := reader.ReadMessage(context.Background())
		if err != nil {
			log.Printf("kafka read error: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}
		var evt contracts.Event
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			log.Printf("event decode error: %v", err)
			continue
		}
		if evt.EventID == "" {
			continue
		}
		if err := saveNotification(context.Background(), pool, evt); err != nil {
			log.Printf("notification save error: %v", err)
			continue
		}
		logging.Log(logging.Fields{Service: "notification-service", UserID: evt.UserID, EventID: evt.EventID, Step: evt.Type, Status: "stored"})
	}
}

func saveNotification(ctx context.Context, pool *pgxpool.Pool, evt contracts.Event) error {
	tag, err := pool.Exec(ctx, `INSERT INTO inbox(event_id) VALUES ($1) ON CONFLICT (event_id) DO NOTHING`, evt.EventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Replay of an event already stored.
		return nil
	}

	message, _ := evt.Payload["message"].(string)
	kind, _ := evt.Payload["type"].(string)
	if kind == "" {
		kind = "system"
	}
	_, err = pool.Exec(ctx,
		`INSERT INTO notifications(user_id, message, date, type) VALUES ($1, $2, $3, $4)`,
		evt.UserID, message, evt.CreatedAt, kind)
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
