// payment-gateway is a stand-in for the mobile-money gateway used in local
// development: it accepts push initiations and, after a configurable delay,
// posts the asynchronous confirmation callback the way the real gateway
// would.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ProSteveMchuma/melagro-core-go/internal/order/payment"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/logging"
	"github.com/ProSteveMchuma/melagro-core-go/pkg/metrics"
)

type cfg struct {
	Port          string        `env:"PORT" envDefault:"8090"`
	CallbackURL   string        `env:"CALLBACK_URL" envDefault:"http://localhost:8080/payments/callback"`
	CallbackDelay time.Duration `env:"CALLBACK_DELAY" envDefault:"3s"`
	ResultCode    string        `env:"RESULT_CODE" envDefault:"0"`
}

func main() {
	var cfg cfg
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config error: %v", err)
	}

	srvMetrics := metrics.NewServerMetrics("payment_gateway", nil)
	client := &http.Client{Timeout: 10 * time.Second}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /stkpush", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var req payment.PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, payment.PushResponse{Success: false, Message: "invalid json"})
			srvMetrics.Requests.WithLabelValues("stkpush", "400").Inc()
			return
		}
		if !validPhone(req.PhoneNumber) || req.Amount <= 0 {
			writeJSON(w, http.StatusOK, payment.PushResponse{Success: false, Message: "invalid phone number or amount"})
			srvMetrics.Requests.WithLabelValues("stkpush", "200").Inc()
			return
		}

		checkoutRequestID := fmt.Sprintf("ws_CO_%s_%04d", time.Now().Format("20060102150405"), rand.Intn(10000))
		logging.Log(logging.Fields{Service: "payment-gateway", Step: "stkpush", Status: "accepted", Message: checkoutRequestID})

		go deliverCallback(cfg, client, checkoutRequestID)

		writeJSON(w, http.StatusOK, payment.PushResponse{Success: true, CheckoutRequestID: checkoutRequestID})
		srvMetrics.Requests.WithLabelValues("stkpush", "200").Inc()
		srvMetrics.LatencyMS.WithLabelValues("stkpush").Observe(float64(time.Since(start).Milliseconds()))
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Printf("payment-gateway listening on :%s (callback after %s, code %s)", cfg.Port, cfg.CallbackDelay, cfg.ResultCode)
	log.Fatal(srv.ListenAndServe())
}

func deliverCallback(cfg cfg, client *http.Client, checkoutRequestID string) {
	time.Sleep(cfg.CallbackDelay)
	cb := payment.Callback{CheckoutRequestID: checkoutRequestID, ResultCode: cfg.ResultCode}
	if cfg.ResultCode != "0" {
		cb.ResultDesc = "simulated failure"
	}
	data, _ := json.Marshal(cb)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, cfg.CallbackURL, bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		logging.Log(logging.Fields{Service: "payment-gateway", Step: "callback", Status: "failed", Message: err.Error()})
		return
	}
	defer resp.Body.Close()
	logging.Log(logging.Fields{Service: "payment-gateway", Step: "callback", Status: resp.Status, Message: checkoutRequestID})
}

func validPhone(phone string) bool {
	phone = strings.TrimSpace(phone)
	return strings.HasPrefix(phone, "254") && len(phone) == 12
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
