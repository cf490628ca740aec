// Load generator for exercising Kestrel's admission path.
//
// Usage:
//
//	go run ./cmd/kestrel-bench -url http://localhost:8080 -calls 10000 -users 50
//	go run ./cmd/kestrel-bench -csv calls.csv
//
// Each worker admits a call with POST /check, holds it for a random time and
// then ends the session. The CSV form replays call records with columns
// user,number,profile,hold_ms. Results are verdict counts and latency
// percentiles.
package main

import (
	"bytes"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// Call is one call to replay.
type Call struct {
	User    string
	Number  string
	Profile int
	Hold    time.Duration
}

type checkRequest struct {
	User      string `json:"user"`
	Number    string `json:"number"`
	ProfileID int    `json:"profileId"`
}

type checkResponse struct {
	Verdict   string `json:"verdict"`
	Code      int    `json:"code"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// Results tracks benchmark outcomes.
type Results struct {
	mu        sync.Mutex
	verdicts  map[string]int64
	latencies []time.Duration

	errors int64
	ended  int64
}

func (r *Results) record(verdict string, d time.Duration) {
	r.mu.Lock()
	r.verdicts[verdict]++
	r.latencies = append(r.latencies, d)
	r.mu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	csvPath := flag.String("csv", "", "Replay call records from CSV (user,number,profile,hold_ms)")
	calls := flag.Int("calls", 10000, "Synthetic calls to generate")
	users := flag.Int("users", 50, "Synthetic distinct callers")
	prefix := flag.String("prefix", "44", "Synthetic destination prefix")
	profile := flag.Int("profile", 0, "Synthetic profile id")
	maxHold := flag.Duration("max-hold", 200*time.Millisecond, "Upper bound on synthetic hold time")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each call result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              KESTREL BENCHMARK - Call Admission               ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)

	if err := checkReady(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not ready at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running with rules loaded:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is ready")

	var work []Call
	if *csvPath != "" {
		var err error
		work, err = readCalls(*csvPath)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Loaded %d calls from %s\n", len(work), *csvPath)
	} else {
		work = synthesize(*calls, *users, *prefix, *profile, *maxHold)
		fmt.Printf("✓ Generated %d calls from %d callers\n", len(work), *users)
	}

	fmt.Printf("\nRunning benchmark...\n")
	start := time.Now()
	res := run(work, *baseURL, *workers, *verbose)
	printResults(res, time.Since(start))
}

func checkReady(baseURL string) error {
	resp, err := http.Get(baseURL + "/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

func readCalls(path string) ([]Call, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 4
	reader.Comment = '#'

	var out []Call
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}
		profile, err := strconv.Atoi(record[2])
		if err != nil {
			continue // header or bad profile
		}
		holdMs, _ := strconv.Atoi(record[3])
		out = append(out, Call{
			User:    record[0],
			Number:  record[1],
			Profile: profile,
			Hold:    time.Duration(holdMs) * time.Millisecond,
		})
	}
	return out, nil
}

func synthesize(n, users int, prefix string, profile int, maxHold time.Duration) []Call {
	if users < 1 {
		users = 1
	}
	out := make([]Call, n)
	for i := range out {
		var hold time.Duration
		if maxHold > 0 {
			hold = rand.N(maxHold)
		}
		out[i] = Call{
			User:    fmt.Sprintf("bench-%04d", rand.IntN(users)),
			Number:  fmt.Sprintf("%s%09d", prefix, rand.IntN(1_000_000_000)),
			Profile: profile,
			Hold:    hold,
		}
	}
	return out
}

func run(calls []Call, baseURL string, numWorkers int, verbose bool) *Results {
	res := &Results{verdicts: make(map[string]int64)}

	work := make(chan Call, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for c := range work {
				begin := time.Now()
				out, err := check(client, baseURL, c)
				elapsed := time.Since(begin)

				if err != nil {
					atomic.AddInt64(&res.errors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %s: %v\n", c.User, c.Number, err)
					}
					continue
				}
				res.record(out.Verdict, elapsed)

				if verbose {
					fmt.Printf("%-12s -> %-16s | %-8s (%2d) | %v\n",
						c.User, c.Number, out.Verdict, out.Code, elapsed.Round(time.Microsecond))
				}

				if out.SessionID == "" {
					continue
				}
				time.Sleep(c.Hold)
				if err := endSession(client, baseURL, out.SessionID); err != nil {
					atomic.AddInt64(&res.errors, 1)
					continue
				}
				atomic.AddInt64(&res.ended, 1)
			}
		}()
	}

	for _, c := range calls {
		work <- c
	}
	close(work)
	wg.Wait()

	return res
}

func check(client *http.Client, baseURL string, c Call) (*checkResponse, error) {
	body, err := json.Marshal(checkRequest{User: c.User, Number: c.Number, ProfileID: c.Profile})
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/check", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, out.Error)
	}
	return &out, nil
}

func endSession(client *http.Client, baseURL, id string) error {
	resp, err := client.Post(baseURL+"/sessions/"+id+"/end", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("end session: status %d", resp.StatusCode)
	}
	return nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printResults(r *Results, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	var total int64
	for _, n := range r.verdicts {
		total += n
	}

	fmt.Printf("\nVERDICTS\n")
	for _, v := range []string{"ok", "warning", "critical", "no_rule", "error"} {
		n := r.verdicts[v]
		pct := float64(0)
		if total > 0 {
			pct = 100 * float64(n) / float64(total)
		}
		fmt.Printf("   %-9s %8d (%.2f%%)\n", v, n, pct)
	}
	fmt.Printf("   Sessions ended:   %d\n", r.ended)
	fmt.Printf("   Request errors:   %d\n", r.errors)

	slices.Sort(r.latencies)
	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if total > 0 {
		fmt.Printf("   p50 Latency:      %v\n", percentile(r.latencies, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:      %v\n", percentile(r.latencies, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:      %v\n", percentile(r.latencies, 0.99).Round(time.Microsecond))
		fmt.Printf("   Throughput:       %.2f checks/sec\n", float64(total)/duration.Seconds())
	}
	fmt.Println()
}
