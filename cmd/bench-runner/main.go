// bench-runner drives concurrent checkouts against a running order-service
// and reports latency percentiles plus how many placements were rejected
// for insufficient stock, which is how oversell protection shows up under
// load.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type benchResult struct {
	Timestamp          string         `json:"timestamp"`
	BaseURL            string         `json:"base_url"`
	Checkouts          int            `json:"checkouts"`
	Concurrency        int            `json:"concurrency"`
	SuccessfulRequests int            `json:"successful_requests"`
	StockRejections    int            `json:"stock_rejections"`
	ErrorRequests      int            `json:"error_requests"`
	DurationSeconds    float64        `json:"duration_seconds"`
	AvgLatencyMs       float64        `json:"avg_latency_ms"`
	P50LatencyMs       float64        `json:"p50_latency_ms"`
	P90LatencyMs       float64        `json:"p90_latency_ms"`
	P95LatencyMs       float64        `json:"p95_latency_ms"`
	P99LatencyMs       float64        `json:"p99_latency_ms"`
	ThroughputRPS      float64        `json:"throughput_rps"`
	StatusCounts       map[string]int `json:"status_counts"`
	FirstError         string         `json:"first_error"`
}

type benchMetrics struct {
	mu           sync.Mutex
	success      int
	stockRejects int
	errors       int
	total        time.Duration
	latenciesMs  []float64
	statusCounts map[string]int
	firstError   string
}

func newBenchMetrics() *benchMetrics {
	return &benchMetrics{statusCounts: make(map[string]int)}
}

func (m *benchMetrics) record(latency time.Duration, status int, stockReject bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCounts[strconv.Itoa(status)]++
	switch {
	case err != nil:
		m.errors++
		if m.firstError == "" {
			m.firstError = err.Error()
		}
	case stockReject:
		m.stockRejects++
	case status >= 200 && status < 300:
		m.success++
		m.total += latency
		m.latenciesMs = append(m.latenciesMs, float64(latency.Milliseconds()))
	default:
		m.errors++
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

type checkoutPayload struct {
	UserID          string `json:"userId"`
	Items           []item `json:"items"`
	ShippingCost    int64  `json:"shippingCost"`
	PaymentMethod   string `json:"paymentMethod"`
	ShippingAddress struct {
		County  string `json:"county"`
		Details string `json:"details"`
		Method  string `json:"method"`
	} `json:"shippingAddress"`
}

type item struct {
	ID       string `json:"id"`
	Quantity int64  `json:"quantity"`
	Price    int64  `json:"price"`
}

func main() {
	baseURL := flag.String("base-url", getenv("ORDER_BASE_URL", "http://localhost:8080"), "order-service base URL")
	productID := flag.String("product", "dap-fertilizer-50kg", "product id to order")
	price := flag.Int64("price", 7500, "unit price sent with each item")
	quantity := flag.Int64("quantity", 1, "quantity per checkout")
	total := flag.Int("total", 1000, "total number of checkouts")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	output := flag.String("output", "", "optional output path for JSON result")
	flag.Parse()

	if *total <= 0 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "total and concurrency must be > 0")
		os.Exit(1)
	}

	client := &http.Client{Timeout: *timeout}
	metrics := newBenchMetrics()

	jobs := make(chan int)
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				runCheckout(client, *baseURL, *productID, *price, *quantity, metrics)
			}
		}()
	}
	for i := 0; i < *total; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	elapsed := time.Since(start)

	metrics.mu.Lock()
	sorted := append([]float64(nil), metrics.latenciesMs...)
	sort.Float64s(sorted)
	avg := 0.0
	if metrics.success > 0 {
		avg = float64(metrics.total.Milliseconds()) / float64(metrics.success)
	}
	result := benchResult{
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
		BaseURL:            *baseURL,
		Checkouts:          *total,
		Concurrency:        *concurrency,
		SuccessfulRequests: metrics.success,
		StockRejections:    metrics.stockRejects,
		ErrorRequests:      metrics.errors,
		DurationSeconds:    elapsed.Seconds(),
		AvgLatencyMs:       avg,
		P50LatencyMs:       percentile(sorted, 0.50),
		P90LatencyMs:       percentile(sorted, 0.90),
		P95LatencyMs:       percentile(sorted, 0.95),
		P99LatencyMs:       percentile(sorted, 0.99),
		ThroughputRPS:      float64(*total) / elapsed.Seconds(),
		StatusCounts:       metrics.statusCounts,
		FirstError:         metrics.firstError,
	}
	metrics.mu.Unlock()

	data, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(data))
	if *output != "" {
		if err := os.WriteFile(*output, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write output: %v\n", err)
			os.Exit(1)
		}
	}
}

func runCheckout(client *http.Client, baseURL, productID string, price, quantity int64, metrics *benchMetrics) {
	payload := checkoutPayload{UserID: "bench-" + uuid.NewString()[:8], ShippingCost: 300, PaymentMethod: "cod"}
	payload.Items = []item{{ID: productID, Quantity: quantity, Price: price}}
	payload.ShippingAddress.County = "Nairobi"
	payload.ShippingAddress.Details = "bench"
	payload.ShippingAddress.Method = "pickup"

	data, _ := json.Marshal(payload)
	ctx, cancel := context.WithTimeout(context.Background(), client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/checkout", bytes.NewReader(data))
	if err != nil {
		metrics.record(0, 0, false, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		metrics.record(latency, 0, false, err)
		return
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	stockReject := resp.StatusCode == http.StatusConflict && strings.Contains(string(body), "insufficient stock")
	metrics.record(latency, resp.StatusCode, stockReject, nil)
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
