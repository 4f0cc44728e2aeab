package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/wallettransfer/internal/logger"
)

// Config holds the benchmark settings
var (
	targetURL     string
	concurrency   int
	duration      time.Duration
	workload      string
	totalAccounts int
	amount        int64
	outFile       string
)

// Metrics
var (
	totalRequests uint64
	success201    uint64 // Created
	success200    uint64 // Idempotent replays
	failed422     uint64 // Failed transfers and rejected requests
	busy503       uint64 // Lock timeouts, retryable
	limited429    uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot | replay")
	flag.IntVar(&totalAccounts, "accounts", 1000, "Number of seeded accounts (ids 1..n)")
	flag.Int64Var(&amount, "amount", 100, "Amount per transfer, in minor units")
	flag.StringVar(&outFile, "out", "", "Results file (default results_<workload>.json)")
}

func main() {
	flag.Parse()
	log := logger.New(os.Getenv("ENVIRONMENT"), os.Getenv("LOG_LEVEL"))

	switch workload {
	case "uniform", "hotspot", "replay":
	default:
		log.Fatal().Str("workload", workload).Msg("Unknown workload")
	}
	if totalAccounts < 2 {
		log.Fatal().Int("accounts", totalAccounts).Msg("Need at least two accounts")
	}

	log.Info().
		Str("workload", workload).
		Int("workers", concurrency).
		Dur("duration", duration).
		Msg("Starting benchmark")

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, rand.New(rand.NewSource(time.Now().UnixNano()+int64(i))))
	}

	wg.Wait()
	if err := printResults(time.Since(start)); err != nil {
		log.Fatal().Err(err).Msg("Writing results failed")
	}
}

type transferPayload struct {
	FromAccountID  int64  `json:"from_account_id"`
	ToAccountID    int64  `json:"to_account_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

func worker(wg *sync.WaitGroup, start time.Time, rng *rand.Rand) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	// The replay workload sends every request twice under one key.
	var last *transferPayload

	for time.Since(start) < duration {
		var p transferPayload
		if workload == "replay" && last != nil {
			p, last = *last, nil
		} else {
			from, to := generateAccounts(rng)
			p = transferPayload{
				FromAccountID:  from,
				ToAccountID:    to,
				Amount:         amount,
				IdempotencyKey: uuid.NewString(),
			}
			if workload == "replay" {
				last = &p
			}
		}

		body, _ := json.Marshal(p)
		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/transfers", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&failed422, 1)
		case http.StatusServiceUnavailable:
			atomic.AddUint64(&busy503, 1)
		case http.StatusTooManyRequests:
			atomic.AddUint64(&limited429, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

func generateAccounts(rng *rand.Rand) (int64, int64) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes to Account 1 & 2
		if rng.Float32() < 0.90 {
			if rng.Float32() < 0.5 {
				return 1, 2
			}
			return 2, 1
		}
	}

	// Uniform Random
	a := rng.Intn(totalAccounts) + 1
	b := rng.Intn(totalAccounts) + 1
	for a == b {
		b = rng.Intn(totalAccounts) + 1
	}
	return int64(a), int64(b)
}

func printResults(d time.Duration) error {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f422 := atomic.LoadUint64(&failed422)
	b503 := atomic.LoadUint64(&busy503)
	l429 := atomic.LoadUint64(&limited429)
	fErr := atomic.LoadUint64(&failOther)

	var busyRate float64
	if total > 0 {
		busyRate = float64(b503) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":         workload,
		"duration_sec":     d.Seconds(),
		"total_requests":   total,
		"throughput_tps":   float64(total) / d.Seconds(),
		"success_created":  s201,
		"success_replay":   s200,
		"failed_transfers": f422,
		"busy_retryable":   b503,
		"busy_rate_pct":    busyRate,
		"rate_limited":     l429,
		"errors":           fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}

	filename := outFile
	if filename == "" {
		filename = fmt.Sprintf("results_%s.json", workload)
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewEncoder(file).Encode(results)
}
