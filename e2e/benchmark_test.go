//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"jobexec/internal/job"
	"jobexec/internal/notify"
	"jobexec/internal/testutil"
	"jobexec/pkg/cloudevent"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// BenchmarkSubmitJobs measures admission throughput against a saturated
// script gate. Overloaded submissions are expected and counted.
// Run with: go test -tags=e2e -run=^$ -bench=BenchmarkSubmitJobs -benchtime=10s ./e2e/
func BenchmarkSubmitJobs(b *testing.B) {
	requireEngine(b, "deno")
	var callbackCount atomic.Int64
	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callbackCount.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	server, cleanup := createBenchServer(b)
	defer cleanup()

	var accepted, overloaded atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		client := &http.Client{Timeout: 30 * time.Second}
		for pb.Next() {
			req := job.Request{
				Kind:  job.KindScript,
				Input: job.InputRequest{Inline: "console.log('hello')"},
				Callback: &job.Callback{
					URL:    callbackServer.URL,
					Events: []string{job.EventTypeExit},
				},
			}

			body, _ := json.Marshal(req)
			resp, err := client.Post(server+"/v1/jobs", "application/json", bytes.NewReader(body))
			if err != nil {
				b.Errorf("Failed to create job: %v", err)
				continue
			}
			resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusAccepted:
				accepted.Add(1)
			case http.StatusTooManyRequests:
				overloaded.Add(1)
			default:
				b.Errorf("Expected 202 or 429, got %d", resp.StatusCode)
			}
		}
	})

	b.StopTimer()
	b.ReportMetric(float64(accepted.Load()), "accepted")
	b.ReportMetric(float64(overloaded.Load()), "overloaded")

	if accepted.Load() == 0 {
		b.Error("Expected at least some jobs to be admitted")
	}
}

// TestCallbackThroughput measures how many callbacks the notifier can handle.
func TestCallbackThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping throughput test in short mode")
	}

	const (
		numCallbacks    = 10000
		concurrency     = 100
		callbackTimeout = 30 * time.Second
	)

	var received atomic.Int64
	var totalLatency atomic.Int64
	startTime := time.Now()

	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		latency := time.Since(startTime).Microseconds()
		totalLatency.Add(latency)
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	n := notify.NewMemory(notify.Config{
		BufferSize:  numCallbacks,
		Workers:     concurrency,
		HTTPTimeout: 5 * time.Second,
	}, nil)
	defer n.Close(context.Background())

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, concurrency)

	notifyStart := time.Now()
	for i := range numCallbacks {
		semaphore <- struct{}{}
		wg.Go(func() {
			defer func() { <-semaphore }()

			event := &notify.Event{
				Payload:     newTestEvent(fmt.Sprintf("event-%d", i)),
				Destination: callbackServer.URL,
			}
			if err := n.Notify(event); err != nil {
				t.Logf("Notify error: %v", err)
			}
		})
	}
	wg.Wait()
	notifyDuration := time.Since(notifyStart)

	testutil.WaitForCount(t, &received, numCallbacks, testutil.WithTimeout(callbackTimeout))
	totalDuration := time.Since(notifyStart)

	stats := n.Stats()
	receivedCount := received.Load()
	avgLatency := float64(totalLatency.Load()) / float64(receivedCount) / 1000.0

	t.Logf("=== Callback Throughput Test ===")
	t.Logf("Queued:        %d events in %v", numCallbacks, notifyDuration)
	t.Logf("Queue rate:    %.0f events/sec", float64(numCallbacks)/notifyDuration.Seconds())
	t.Logf("Received:      %d/%d callbacks", receivedCount, numCallbacks)
	t.Logf("Delivered:     %d", stats.Delivered)
	t.Logf("Failed:        %d", stats.Failed)
	t.Logf("Dropped:       %d", stats.Dropped)
	t.Logf("Total time:    %v", totalDuration)
	t.Logf("Throughput:    %.0f callbacks/sec", float64(receivedCount)/totalDuration.Seconds())
	t.Logf("Avg latency:   %.2f ms", avgLatency)

	if receivedCount < int64(numCallbacks*0.99) {
		t.Errorf("Expected at least 99%% delivery, got %.1f%%", float64(receivedCount)/float64(numCallbacks)*100)
	}
}

// TestConcurrentJobsWithCallbacks runs many short script jobs and checks
// every admitted job reports start and exit.
func TestConcurrentJobsWithCallbacks(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrent jobs test in short mode")
	}
	requireEngine(t, "deno")

	const (
		numJobs     = 50
		concurrency = 10
		jobTimeout  = 60 * time.Second
	)

	var callbacks sync.Map
	incCallback := func(eventType string) {
		val, _ := callbacks.LoadOrStore(eventType, new(atomic.Int64))
		val.(*atomic.Int64).Add(1)
	}

	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event map[string]any
		if err := json.NewDecoder(r.Body).Decode(&event); err == nil {
			if t, ok := event["type"].(string); ok {
				// Only count start and exit events (ignore log events)
				if t == job.EventTypeStart || t == job.EventTypeExit {
					incCallback(t)
				}
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	server, cleanup := createBenchServer(t)
	defer cleanup()

	client := &http.Client{Timeout: jobTimeout}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, concurrency)
	var created, overloaded, failed atomic.Int64

	start := time.Now()
	for range numJobs {
		semaphore <- struct{}{}
		wg.Go(func() {
			defer func() { <-semaphore }()

			req := job.Request{
				Kind:  job.KindScript,
				Input: job.InputRequest{Inline: "console.log('start'); await new Promise((r) => setTimeout(r, 100)); console.log('done')"},
				Callback: &job.Callback{
					URL: callbackServer.URL,
					// Empty Events means all events are sent
				},
			}

			body, _ := json.Marshal(req)
			resp, err := client.Post(server+"/v1/jobs", "application/json", bytes.NewReader(body))
			if err != nil {
				failed.Add(1)
				return
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusAccepted:
				created.Add(1)
			case http.StatusTooManyRequests:
				overloaded.Add(1)
			default:
				failed.Add(1)
			}
		})
	}
	wg.Wait()
	createDuration := time.Since(start)

	t.Log("Waiting for jobs to complete...")
	// Wait for callbacks - expect at least start+exit per created job
	expectedCallbacks := created.Load() * 2
	testutil.WaitFor(t, func() bool {
		var total int64
		callbacks.Range(func(_, value any) bool {
			total += value.(*atomic.Int64).Load()
			return true
		})
		return total >= expectedCallbacks
	}, testutil.WithTimeout(60*time.Second))

	t.Logf("=== Concurrent Jobs Test ===")
	t.Logf("Jobs created:  %d/%d in %v", created.Load(), numJobs, createDuration)
	t.Logf("Overloaded:    %d", overloaded.Load())
	t.Logf("Jobs failed:   %d", failed.Load())
	t.Logf("Create rate:   %.1f jobs/sec", float64(created.Load())/createDuration.Seconds())
	t.Log("Callbacks received:")
	callbacks.Range(func(key, value any) bool {
		t.Logf("  %s: %d", key, value.(*atomic.Int64).Load())
		return true
	})

	if failed.Load() > 0 {
		t.Errorf("Expected only 202 or 429 responses, got %d failures", failed.Load())
	}
	if created.Load() == 0 {
		t.Fatal("Expected at least one job to be admitted")
	}

	// Check we received start and exit callbacks for every admitted job
	var startCallbacks, exitCallbacks int64
	if v, ok := callbacks.Load(job.EventTypeStart); ok {
		startCallbacks = v.(*atomic.Int64).Load()
	}
	if v, ok := callbacks.Load(job.EventTypeExit); ok {
		exitCallbacks = v.(*atomic.Int64).Load()
	}

	if startCallbacks < created.Load() {
		t.Errorf("Expected 100%% start callbacks, got %d/%d", startCallbacks, created.Load())
	}
	if exitCallbacks < created.Load() {
		t.Errorf("Expected 100%% exit callbacks, got %d/%d", exitCallbacks, created.Load())
	}
}

// TestNotifierUnderLoad tests notifier behavior under sustained load with
// a share of slow destinations.
func TestNotifierUnderLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}

	const (
		eventRate     = 1000 // events per second target
		duration      = 10   // seconds
		totalEvents   = eventRate * duration
		slowPercent   = 5   // percentage of slow callbacks
		slowLatencyMs = 500 // latency for slow callbacks
	)

	var received, slow atomic.Int64

	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if received.Add(1)%int64(100/slowPercent) == 0 {
			slow.Add(1)
			time.Sleep(time.Duration(slowLatencyMs) * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	n := notify.NewMemory(notify.Config{
		BufferSize:  totalEvents,
		Workers:     50,
		HTTPTimeout: 2 * time.Second,
	}, nil)
	defer n.Close(context.Background())

	ticker := time.NewTicker(time.Second / time.Duration(eventRate))
	defer ticker.Stop()

	start := time.Now()
	var queued atomic.Int64

	go func() {
		for i := range totalEvents {
			<-ticker.C
			event := &notify.Event{
				Payload:     newTestEvent(fmt.Sprintf("load-%d", i)),
				Destination: callbackServer.URL,
			}
			if err := n.Notify(event); err == nil {
				queued.Add(1)
			}
		}
	}()

	// Wait for all events to be queued, then wait for delivery
	testutil.WaitFor(t, func() bool {
		return queued.Load() >= int64(totalEvents)
	}, testutil.WithTimeout(time.Duration(duration+5)*time.Second))

	testutil.WaitFor(t, func() bool {
		stats := n.Stats()
		return stats.Delivered+stats.Failed+stats.Dropped >= queued.Load()
	}, testutil.WithTimeout(10*time.Second))

	stats := n.Stats()
	elapsed := time.Since(start)

	t.Logf("=== Notifier Load Test ===")
	t.Logf("Target rate:   %d events/sec for %ds", eventRate, duration)
	t.Logf("Queued:        %d events", queued.Load())
	t.Logf("Received:      %d callbacks", received.Load())
	t.Logf("Slow calls:    %d (%.1f%%)", slow.Load(), float64(slow.Load())/float64(received.Load())*100)
	t.Logf("Delivered:     %d", stats.Delivered)
	t.Logf("Failed:        %d", stats.Failed)
	t.Logf("Dropped:       %d", stats.Dropped)
	t.Logf("Retries:       %d", stats.RetriesTotal)
	t.Logf("Requeued:      %d", stats.Requeued)
	t.Logf("Elapsed:       %v", elapsed)
	t.Logf("Actual rate:   %.0f events/sec", float64(received.Load())/elapsed.Seconds())

	queuedCount := queued.Load()
	receivedCount := received.Load()

	if queuedCount < int64(totalEvents*0.9) {
		t.Errorf("Expected to queue at least 90%% of events, got %d/%d", queuedCount, totalEvents)
	}

	deliveryRate := float64(receivedCount) / float64(queuedCount) * 100
	if deliveryRate < 90 {
		t.Errorf("Expected at least 90%% delivery rate, got %.1f%%", deliveryRate)
	}

	if stats.Dropped > int64(totalEvents*0.05) {
		t.Errorf("Too many dropped events: %d (max 5%% of %d)", stats.Dropped, totalEvents)
	}
}

func createBenchServer(tb testing.TB) (string, func()) {
	// If E2E_API_URL is set, use external server
	if url := os.Getenv("E2E_API_URL"); url != "" {
		tb.Logf("Using external API: %s", url)
		return url, func() {}
	}

	server, cleanup := createTestServer(tb, 8)
	return server.URL, cleanup
}

func newTestEvent(id string) *cloudevent.CloudEvent {
	return cloudevent.New("test.benchmark", "benchmark", "test", id, map[string]any{"test": true})
}
