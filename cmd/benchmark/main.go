// Command benchmark measures message throughput and latency of the local
// runtime. Send mode times request/response round-trips; publish mode times
// fan-out delivery to a counting sink.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentry-dev/agentry"
)

func main() {
	var (
		messages    = flag.Int("messages", 10000, "Total messages to deliver")
		agents      = flag.Int("agents", 8, "Agent instance keys to spread messages over")
		payload     = flag.Int("payload", 64, "Payload size in bytes")
		mode        = flag.String("mode", "send", "Benchmark mode: send, publish")
		concurrency = flag.Int("concurrency", 4, "Concurrent senders (send mode)")
		format      = flag.String("format", "text", "Output format: text, json")
		outputFile  = flag.String("output", "", "Output file path (default: stdout)")
		timeout     = flag.Duration("timeout", 2*time.Minute, "Overall benchmark timeout")
	)
	flag.Parse()

	if err := run(*messages, *agents, *payload, *mode, *concurrency, *format, *outputFile, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type report struct {
	Mode        string        `json:"mode"`
	Messages    int           `json:"messages"`
	Agents      int           `json:"agents"`
	PayloadSize int           `json:"payload_size"`
	Concurrency int           `json:"concurrency,omitempty"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	Throughput  float64       `json:"throughput_per_sec"`
	P50         time.Duration `json:"p50_ns,omitempty"`
	P95         time.Duration `json:"p95_ns,omitempty"`
	P99         time.Duration `json:"p99_ns,omitempty"`
}

func run(messages, agents, payload int, mode string, concurrency int, format, outputFile string, timeout time.Duration) error {
	if messages <= 0 || agents <= 0 || concurrency <= 0 {
		return fmt.Errorf("messages, agents and concurrency must be positive")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var rep *report
	var err error
	switch mode {
	case "send":
		rep, err = benchSend(ctx, messages, agents, payload, concurrency)
	case "publish":
		rep, err = benchPublish(ctx, messages, agents, payload)
	default:
		return fmt.Errorf("unknown mode %q (want send or publish)", mode)
	}
	if err != nil {
		return err
	}

	writer := os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile) // #nosec G304 - user-provided CLI argument
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		writer = f
	}

	switch format {
	case "json":
		enc := json.NewEncoder(writer)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case "text":
		printText(writer, rep)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text or json)", format)
	}
}

// benchSend round-trips messages through echo agents and records per-call
// latency across concurrent senders.
func benchSend(ctx context.Context, messages, agents, payload, concurrency int) (*report, error) {
	rt := agentry.NewRuntime(agentry.WithQueueSize(messages))
	err := rt.RegisterFactory("bench", agentry.ClosureFactory(
		func(ctx context.Context, message any, mctx *agentry.MessageContext) (any, error) {
			return message, nil
		}))
	if err != nil {
		return nil, err
	}
	if err := rt.Start(); err != nil {
		return nil, err
	}

	msg := strings.Repeat("x", payload)
	latencies := make([]time.Duration, messages)
	perSender := messages / concurrency

	start := time.Now()
	var wg sync.WaitGroup
	errCh := make(chan error, concurrency)
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			lo := w * perSender
			hi := lo + perSender
			if w == concurrency-1 {
				hi = messages
			}
			for i := lo; i < hi; i++ {
				id := agentry.NewAgentID("bench", fmt.Sprintf("k%d", i%agents))
				t0 := time.Now()
				if _, err := rt.SendMessage(ctx, msg, id); err != nil {
					errCh <- err
					return
				}
				latencies[i] = time.Since(t0)
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)
	select {
	case err := <-errCh:
		return nil, err
	default:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Stop(stopCtx); err != nil {
		return nil, err
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	return &report{
		Mode:        "send",
		Messages:    messages,
		Agents:      agents,
		PayloadSize: payload,
		Concurrency: concurrency,
		Elapsed:     elapsed,
		Throughput:  float64(messages) / elapsed.Seconds(),
		P50:         percentile(latencies, 50),
		P95:         percentile(latencies, 95),
		P99:         percentile(latencies, 99),
	}, nil
}

// benchPublish fans messages out to counting sinks and measures wall time
// until the runtime drains.
func benchPublish(ctx context.Context, messages, agents, payload int) (*report, error) {
	rt := agentry.NewRuntime(agentry.WithQueueSize(messages))
	var delivered atomic.Int64
	err := rt.RegisterFactory("sink", agentry.ClosureFactory(
		func(ctx context.Context, message any, mctx *agentry.MessageContext) (any, error) {
			delivered.Add(1)
			return nil, nil
		}))
	if err != nil {
		return nil, err
	}
	if err := rt.AddSubscription(agentry.NewTypeSubscription("bench", "sink")); err != nil {
		return nil, err
	}
	if err := rt.Start(); err != nil {
		return nil, err
	}

	msg := strings.Repeat("x", payload)
	start := time.Now()
	for i := 0; i < messages; i++ {
		topic := agentry.NewTopicID("bench", fmt.Sprintf("src%d", i%agents))
		if err := rt.PublishMessage(ctx, msg, topic); err != nil {
			return nil, err
		}
	}
	if err := rt.StopWhenIdle(ctx); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	if got := delivered.Load(); got != int64(messages) {
		return nil, fmt.Errorf("delivered %d of %d messages", got, messages)
	}
	return &report{
		Mode:        "publish",
		Messages:    messages,
		Agents:      agents,
		PayloadSize: payload,
		Elapsed:     elapsed,
		Throughput:  float64(messages) / elapsed.Seconds(),
	}, nil
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printText(w *os.File, rep *report) {
	fmt.Fprintf(w, "mode:        %s\n", rep.Mode)
	fmt.Fprintf(w, "messages:    %d\n", rep.Messages)
	fmt.Fprintf(w, "agents:      %d\n", rep.Agents)
	fmt.Fprintf(w, "payload:     %d bytes\n", rep.PayloadSize)
	if rep.Concurrency > 0 {
		fmt.Fprintf(w, "concurrency: %d\n", rep.Concurrency)
	}
	fmt.Fprintf(w, "elapsed:     %s\n", rep.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(w, "throughput:  %.0f msg/s\n", rep.Throughput)
	if rep.P50 > 0 {
		fmt.Fprintf(w, "p50:         %s\n", rep.P50.Round(time.Microsecond))
		fmt.Fprintf(w, "p95:         %s\n", rep.P95.Round(time.Microsecond))
		fmt.Fprintf(w, "p99:         %s\n", rep.P99.Round(time.Microsecond))
	}
}
