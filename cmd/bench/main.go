// Load generator for a running Kestrel gateway.
//
// Usage:
//   go run cmd/bench/main.go -url http://localhost:8080
//
// This tool:
//  1. Drives feed reads and like/unlike toggles with concurrent workers
//  2. Records per-request latency and outcome
//  3. Reports throughput, latency percentiles, and error breakdown
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks load run results.
type Metrics struct {
	mu        sync.Mutex
	latencies []time.Duration

	Requests    atomic.Int64
	CacheReads  atomic.Int64
	Mutations   atomic.Int64
	RateLimited atomic.Int64
	Errors      atomic.Int64
}

func (m *Metrics) record(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

func (m *Metrics) percentile(p float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), m.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	userID := flag.String("user", "bench-user", "User ID for requests")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "Run duration")
	posts := flag.Int("posts", 50, "Post ID range to exercise")
	mutateRate := flag.Float64("mutate", 0.2, "Fraction of requests that are like toggles (0.0-1.0)")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              KESTREL BENCH - Gateway Load Generator           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("User ID:     %s\n", *userID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Duration:    %s\n", *duration)
	fmt.Printf("Mutate Rate: %.2f\n", *mutateRate)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	metrics := &Metrics{}
	deadline := time.Now().Add(*duration)

	fmt.Printf("\nRunning load with %d workers...\n", *workers)
	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(*workers)
	for i := 0; i < *workers; i++ {
		go func(seed int64) {
			defer wg.Done()
			runWorker(*baseURL, *userID, *posts, *mutateRate, deadline, metrics, rand.New(rand.NewSource(seed)))
		}(int64(i))
	}
	wg.Wait()

	printResults(metrics, time.Since(start))
}

func runWorker(baseURL, userID string, posts int, mutateRate float64, deadline time.Time, m *Metrics, rng *rand.Rand) {
	client := &http.Client{Timeout: 15 * time.Second}
	liked := make(map[int]bool)

	for time.Now().Before(deadline) {
		postID := rng.Intn(posts) + 1
		var req *http.Request

		if rng.Float64() < mutateRate {
			method := http.MethodPost
			if liked[postID] {
				method = http.MethodDelete
			}
			liked[postID] = !liked[postID]
			req, _ = http.NewRequest(method, fmt.Sprintf("%s/api/posts/%d/like", baseURL, postID), nil)
			m.Mutations.Add(1)
		} else if rng.Intn(2) == 0 {
			req, _ = http.NewRequest(http.MethodGet, baseURL+"/api/posts", nil)
			m.CacheReads.Add(1)
		} else {
			req, _ = http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/posts/%d", baseURL, postID), nil)
			m.CacheReads.Add(1)
		}
		req.Header.Set("X-User-ID", userID)

		start := time.Now()
		resp, err := client.Do(req)
		m.Requests.Add(1)
		if err != nil {
			m.Errors.Add(1)
			continue
		}
		resp.Body.Close()
		m.record(time.Since(start))

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			m.RateLimited.Add(1)
		case resp.StatusCode >= 400:
			m.Errors.Add(1)
		}
	}
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func printResults(m *Metrics, elapsed time.Duration) {
	total := m.Requests.Load()

	fmt.Println("\n═══════════════════════ RESULTS ═══════════════════════")
	fmt.Printf("Total requests:   %d\n", total)
	fmt.Printf("Reads:            %d\n", m.CacheReads.Load())
	fmt.Printf("Like toggles:     %d\n", m.Mutations.Load())
	fmt.Printf("Rate limited:     %d\n", m.RateLimited.Load())
	fmt.Printf("Errors:           %d\n", m.Errors.Load())
	fmt.Printf("Elapsed:          %s\n", elapsed.Round(time.Millisecond))
	if elapsed > 0 {
		fmt.Printf("Throughput:       %.1f req/s\n", float64(total)/elapsed.Seconds())
	}
	fmt.Println()
	fmt.Printf("Latency p50:      %s\n", m.percentile(0.50).Round(time.Microsecond))
	fmt.Printf("Latency p95:      %s\n", m.percentile(0.95).Round(time.Microsecond))
	fmt.Printf("Latency p99:      %s\n", m.percentile(0.99).Round(time.Microsecond))
	fmt.Println("════════════════════════════════════════════════════════")
}
