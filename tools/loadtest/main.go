package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/identity"
	"github.com/SkynetNext/motd-gateway/internal/protocol"
	flag "github.com/spf13/pflag"
)

var (
	addr      = flag.String("addr", "127.0.0.1:27099", "Dispatcher address")
	workers   = flag.Int("workers", 50, "Number of concurrent workers")
	duration  = flag.Duration("duration", 30*time.Second, "Test duration")
	rate      = flag.Float64("rate", 10.0, "Rounds per second per worker")
	steamID   = flag.Uint64("steamid", 76561197960265728, "Identity sent in set_identity")
	sessionID = flag.Int("session-id", 1, "Session id sent in set_identity")
	timeout   = flag.Duration("timeout", 5*time.Second, "Dial and response timeout")
	verbose   = flag.BoolP("verbose", "v", false, "Verbose output")
)

// Stats are updated atomically by every worker
type Stats struct {
	TotalRounds  int64
	FailedRounds int64
	MinLatency   time.Duration
	MaxLatency   time.Duration
	TotalLatency time.Duration
	LatencyCount int64
	ConnErrors   int64
	ReadErrors   int64
	WriteErrors  int64
}

var (
	stats Stats

	statusMu     sync.Mutex
	statusCounts = map[protocol.Status]int64{}
)

func main() {
	flag.Parse()

	fmt.Printf("=== MOTD Dispatcher Load Test ===\n")
	fmt.Printf("Target: %s\n", *addr)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Rate: %.2f rounds/s per worker\n", *rate)
	fmt.Printf("Identity: %d, session %d\n", *steamID, *sessionID)
	fmt.Printf("\n")

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// Start stats reporter
	statsDone := make(chan struct{})
	go reportStats(ctx, statsDone)

	startTime := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(ctx)
		}()
	}
	wg.Wait()
	elapsed := time.Since(startTime)

	<-statsDone
	printFinalReport(elapsed)
}

func runWorker(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / *rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := runRound(); err != nil && *verbose {
				fmt.Printf("round failed: %v\n", err)
			}
		}
	}
}

// runRound performs one identity handshake on a fresh connection, the way
// the web process does before every action
func runRound() error {
	atomic.AddInt64(&stats.TotalRounds, 1)
	start := time.Now()

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		atomic.AddInt64(&stats.FailedRounds, 1)
		atomic.AddInt64(&stats.ConnErrors, 1)
		return err
	}
	_ = conn.SetDeadline(time.Now().Add(*timeout))
	ch := protocol.NewChannel(conn)
	defer ch.Close()

	err = ch.SendJSON(protocol.SetIdentityRequest{
		Action:    protocol.ActionSetIdentity,
		SteamID:   identity.ID(*steamID),
		SessionID: *sessionID,
	})
	if err != nil {
		atomic.AddInt64(&stats.FailedRounds, 1)
		atomic.AddInt64(&stats.WriteErrors, 1)
		return err
	}

	payload, err := ch.Receive()
	if err != nil {
		atomic.AddInt64(&stats.FailedRounds, 1)
		atomic.AddInt64(&stats.ReadErrors, 1)
		return err
	}
	resp, err := protocol.DecodeResponse(payload)
	if err != nil {
		atomic.AddInt64(&stats.FailedRounds, 1)
		atomic.AddInt64(&stats.ReadErrors, 1)
		return err
	}
	if resp.Status == protocol.StatusOK {
		_ = ch.SendJSON(protocol.EndCommunicationRequest{Action: protocol.ActionEndCommunication})
	}

	statusMu.Lock()
	statusCounts[resp.Status]++
	statusMu.Unlock()
	recordLatency(time.Since(start))
	return nil
}

func recordLatency(latency time.Duration) {
	atomic.AddInt64(&stats.LatencyCount, 1)

	for {
		oldMin := atomic.LoadInt64((*int64)(&stats.MinLatency))
		if oldMin != 0 && latency >= time.Duration(oldMin) {
			break
		}
		if atomic.CompareAndSwapInt64((*int64)(&stats.MinLatency), oldMin, int64(latency)) {
			break
		}
	}

	for {
		oldMax := atomic.LoadInt64((*int64)(&stats.MaxLatency))
		if latency <= time.Duration(oldMax) {
			break
		}
		if atomic.CompareAndSwapInt64((*int64)(&stats.MaxLatency), oldMax, int64(latency)) {
			break
		}
	}

	atomic.AddInt64((*int64)(&stats.TotalLatency), int64(latency))
}

func reportStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStats()
		}
	}
}

func printStats() {
	total := atomic.LoadInt64(&stats.TotalRounds)
	failed := atomic.LoadInt64(&stats.FailedRounds)
	fmt.Printf("\r[Stats] Rounds: %d (failed: %d)", total, failed)
}

func printFinalReport(elapsed time.Duration) {
	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	total := atomic.LoadInt64(&stats.TotalRounds)
	failed := atomic.LoadInt64(&stats.FailedRounds)
	latencyCount := atomic.LoadInt64(&stats.LatencyCount)

	fmt.Printf("\n--- Rounds ---\n")
	fmt.Printf("Total: %d\n", total)
	if total > 0 {
		fmt.Printf("Failed: %d (%.2f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("Throughput: %.2f rounds/s\n", float64(total-failed)/elapsed.Seconds())

	fmt.Printf("\n--- Statuses ---\n")
	statusMu.Lock()
	statuses := make([]string, 0, len(statusCounts))
	for s := range statusCounts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Printf("%s: %d\n", s, statusCounts[protocol.Status(s)])
	}
	statusMu.Unlock()

	fmt.Printf("\n--- Latency ---\n")
	if latencyCount > 0 {
		minLatency := time.Duration(atomic.LoadInt64((*int64)(&stats.MinLatency)))
		maxLatency := time.Duration(atomic.LoadInt64((*int64)(&stats.MaxLatency)))
		avgLatency := time.Duration(atomic.LoadInt64((*int64)(&stats.TotalLatency)) / latencyCount)

		fmt.Printf("Min: %v\n", minLatency)
		fmt.Printf("Max: %v\n", maxLatency)
		fmt.Printf("Avg: %v\n", avgLatency)
	}

	fmt.Printf("\n--- Errors ---\n")
	fmt.Printf("Connection Errors: %d\n", atomic.LoadInt64(&stats.ConnErrors))
	fmt.Printf("Read Errors: %d\n", atomic.LoadInt64(&stats.ReadErrors))
	fmt.Printf("Write Errors: %d\n", atomic.LoadInt64(&stats.WriteErrors))

	// Exit code
	if total == 0 || failed > total/10 {
		fmt.Printf("\nTest failed: too many errors\n")
		os.Exit(1)
	}
	fmt.Printf("\nTest completed successfully\n")
}
