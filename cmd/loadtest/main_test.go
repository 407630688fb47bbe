package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orders/internal/transport/bus"
)

type recordedCall struct {
	topic   string
	pattern string
	payload any
}

// fakeBusClient отвечает на запросы без брокера.
type fakeBusClient struct {
	mu     sync.Mutex
	calls  []recordedCall
	failOn map[string]error
}

func (f *fakeBusClient) Request(_ context.Context, topic, pattern string, payload, out any) error {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{topic: topic, pattern: pattern, payload: payload})
	n := len(f.calls)
	err := f.failOn[pattern]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if order, ok := out.(*domain.Order); ok {
		order.ID = fmt.Sprintf("order-%d", n)
	}
	return nil
}

func (f *fakeBusClient) patterns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.pattern)
	}
	return out
}

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    loadMode
		wantErr string
	}{
		{name: "create", input: "create", want: modeCreate},
		{name: "create-pay", input: "create-pay", want: modeCreatePay},
		{name: "create-pay-cancel", input: " create-pay-cancel ", want: modeCreatePayCancel},
		{name: "unsupported", input: "bad", wantErr: "unsupported mode"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseMode(tc.input)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected mode: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestParseConfig(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		cfg, err := parseConfig([]string{
			"-brokers=kafka-1:9092,kafka-2:9092",
			"-mode=create-pay",
			"-total=12",
			"-concurrency=3",
			"-timeout=2s",
			"-cancel-rate=10",
			"-products=p-1, p-2",
			"-quantity=2",
			"-output=out.json",
		}, envMap(nil))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !cfg.totalSet {
			t.Fatalf("expected totalSet=true")
		}
		if cfg.duration != 0 {
			t.Fatalf("expected zero duration, got %s", cfg.duration)
		}
		if cfg.mode != modeCreatePay {
			t.Fatalf("unexpected mode: %s", cfg.mode)
		}
		if cfg.total != 12 || cfg.concurrency != 3 || cfg.quantity != 2 {
			t.Fatalf("unexpected numeric config: %+v", cfg)
		}
		if cfg.timeout != 2*time.Second {
			t.Fatalf("unexpected timeout: %s", cfg.timeout)
		}
		if !slices.Equal(cfg.productIDs, []string{"p-1", "p-2"}) || len(cfg.brokers) != 2 {
			t.Fatalf("unexpected lists: %v %v", cfg.productIDs, cfg.brokers)
		}
		if cfg.requestsTopic != kafka.TopicOrderRequests || cfg.repliesTopic != kafka.TopicOrderReplies {
			t.Fatalf("unexpected topics: %s %s", cfg.requestsTopic, cfg.repliesTopic)
		}
	})

	t.Run("duration mode with env brokers", func(t *testing.T) {
		cfg, err := parseConfig([]string{"-duration=3s", "-products=p-1"},
			envMap(map[string]string{envKafkaBrokers: "kafka:9092"}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.duration != 3*time.Second {
			t.Fatalf("unexpected duration: %s", cfg.duration)
		}
		if cfg.totalSet {
			t.Fatalf("expected totalSet=false when -total was not provided")
		}
		if len(cfg.brokers) != 1 || cfg.brokers[0] != "kafka:9092" {
			t.Fatalf("unexpected brokers: %v", cfg.brokers)
		}
	})

	t.Run("validation errors", func(t *testing.T) {
		base := []string{"-brokers=kafka:9092", "-products=p-1"}
		tests := []struct {
			name    string
			args    []string
			wantErr string
		}{
			{name: "invalid duration", args: []string{"-duration=bad"}, wantErr: "invalid value"},
			{name: "negative duration", args: append(base, "-duration=-1s"), wantErr: "duration must be >= 0"},
			{name: "invalid cancel rate", args: append(base, "-cancel-rate=101"), wantErr: "cancel-rate must be between 0 and 100"},
			{name: "empty total", args: append(base, "-duration=0s", "-total=0"), wantErr: "total must be > 0"},
			{name: "no brokers", args: []string{"-products=p-1"}, wantErr: "kafka brokers are required"},
			{name: "no products", args: []string{"-brokers=kafka:9092"}, wantErr: "product id is required"},
			{name: "bad mode", args: append(base, "-mode=refund"), wantErr: "unsupported mode"},
		}

		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				_, err := parseConfig(tc.args, envMap(nil))
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
			})
		}
	})
}

func TestDispatchJobs(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(context.Background(), jobs, config{total: 5})

		var got []int
		for v := range jobs {
			got = append(got, v)
		}
		if !slices.Equal(got, []int{0, 1, 2, 3, 4}) {
			t.Fatalf("unexpected jobs sequence: %v", got)
		}
	})

	t.Run("duration mode", func(t *testing.T) {
		jobs := make(chan int, 32)
		done := make(chan struct{})
		go func() {
			dispatchJobs(context.Background(), jobs, config{duration: 20 * time.Millisecond})
			close(done)
		}()

		count := 0
		for range jobs {
			count++
		}
		<-done
		if count == 0 {
			t.Fatalf("expected non-zero jobs for duration mode")
		}
	})

	t.Run("duration with explicit max total", func(t *testing.T) {
		jobs := make(chan int, 16)
		dispatchJobs(context.Background(), jobs, config{duration: time.Second, total: 3, totalSet: true})
		count := 0
		for range jobs {
			count++
		}
		if count != 3 {
			t.Fatalf("expected 3 jobs, got %d", count)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		jobs := make(chan int)
		dispatchJobs(ctx, jobs, config{total: 100})
		if _, ok := <-jobs; ok {
			t.Fatal("expected closed channel without jobs")
		}
	})
}

func TestCollectorAndReport(t *testing.T) {
	c := newCollector()
	c.record("scenario", 10*time.Millisecond, codeOK)
	c.record("scenario", 20*time.Millisecond, "500")
	c.record(bus.PatternCreateOrder, 15*time.Millisecond, codeOK)

	r := c.buildReport(time.Now(), 2*time.Second)
	if r.TotalScenarios != 2 || r.FailedScenarios != 1 {
		t.Fatalf("unexpected report totals: %+v", r)
	}
	if r.RPS <= 0 {
		t.Fatalf("expected positive rps, got %f", r.RPS)
	}
	scenario := r.Patterns["scenario"]
	if scenario.Codes[codeOK] != 1 || scenario.Codes["500"] != 1 {
		t.Fatalf("unexpected codes: %+v", scenario.Codes)
	}
	if _, ok := r.Patterns[bus.PatternCreateOrder]; !ok {
		t.Fatalf("expected %s stats in report", bus.PatternCreateOrder)
	}
}

func TestUtilityFunctions(t *testing.T) {
	if got := replyCode(nil); got != codeOK {
		t.Fatalf("replyCode(nil) = %s, want OK", got)
	}
	if got := replyCode(&domain.RemoteError{Status: 404}); got != "404" {
		t.Fatalf("unexpected remote code: %s", got)
	}
	if got := replyCode(fmt.Errorf("%w: create_order", kafka.ErrRequestTimeout)); got != codeTimeout {
		t.Fatalf("unexpected timeout code: %s", got)
	}
	if got := replyCode(errors.New("boom")); got != codeError {
		t.Fatalf("unexpected generic code: %s", got)
	}

	if got := ratio(1, 4); got != 0.25 {
		t.Fatalf("ratio mismatch: %f", got)
	}
	if got := ratio(1, 0); got != 0 {
		t.Fatalf("ratio with zero total must be 0, got %f", got)
	}

	values := []float64{10, 20, 30, 40}
	summary := buildLatencySummary(values)
	if summary.P50 <= 0 || summary.P95 <= 0 || summary.Max != 40 || summary.Avg != 25 {
		t.Fatalf("unexpected latency summary: %+v", summary)
	}
	if p := percentile(values, 95); p <= 0 {
		t.Fatalf("unexpected percentile: %f", p)
	}

	if !shouldCancelScenario(5, 10) || shouldCancelScenario(15, 10) || shouldCancelScenario(1, 0) || !shouldCancelScenario(99, 100) {
		t.Fatal("unexpected cancel sampling")
	}

	if got := runTarget(config{total: 50}); got != "count:50" {
		t.Fatalf("unexpected run target: %s", got)
	}
	if got := runTarget(config{duration: 2 * time.Second}); got != "duration:2s" {
		t.Fatalf("unexpected duration run target: %s", got)
	}
	if got := runTarget(config{duration: 2 * time.Second, total: 10, totalSet: true}); got != "duration:2s,max-total:10" {
		t.Fatalf("unexpected capped duration run target: %s", got)
	}
}

func TestWriteJSONReport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")

	sample := report{TotalScenarios: 2, SuccessScenarios: 2}
	if err := writeJSONReport(path, sample); err != nil {
		t.Fatalf("writeJSONReport error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}

	var decoded report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.TotalScenarios != 2 || decoded.SuccessScenarios != 2 {
		t.Fatalf("unexpected decoded report: %+v", decoded)
	}

	if err := writeJSONReport("../escape.json", sample); err == nil {
		t.Fatal("expected error for path outside current directory")
	}
	if err := writeJSONReport(".", sample); err == nil {
		t.Fatal("expected error for directory path")
	}
}

func TestRunScenario(t *testing.T) {
	cfg := config{
		requestsTopic: kafka.TopicOrderRequests,
		timeout:       time.Second,
		productIDs:    []string{"p-1", "p-2"},
		quantity:      1,
	}

	t.Run("create-pay-cancel", func(t *testing.T) {
		client := &fakeBusClient{}
		cfg := cfg
		cfg.mode = modeCreatePayCancel
		col := newCollector()

		if err := runScenario(context.Background(), client, cfg, 0, "run", col); err != nil {
			t.Fatalf("runScenario failed: %v", err)
		}
		want := []string{
			bus.PatternCreateOrder,
			bus.PatternCreatePaymentSession,
			bus.PatternPaidOrder,
			bus.PatternChangeOrderStatus,
		}
		if got := client.patterns(); !slices.Equal(got, want) {
			t.Fatalf("unexpected call sequence: %v", got)
		}
		if client.calls[0].topic != kafka.TopicOrderRequests {
			t.Fatalf("unexpected topic: %s", client.calls[0].topic)
		}
		r := col.buildReport(time.Now(), time.Second)
		if r.SuccessScenarios != 1 || len(r.Patterns) != 5 {
			t.Fatalf("unexpected report: %+v", r)
		}
	})

	t.Run("create only", func(t *testing.T) {
		client := &fakeBusClient{}
		cfg := cfg
		cfg.mode = modeCreate

		if err := runScenario(context.Background(), client, cfg, 0, "run", newCollector()); err != nil {
			t.Fatalf("runScenario failed: %v", err)
		}
		if got := client.patterns(); !slices.Equal(got, []string{bus.PatternCreateOrder}) {
			t.Fatalf("unexpected call sequence: %v", got)
		}
	})

	t.Run("failure stops scenario", func(t *testing.T) {
		client := &fakeBusClient{failOn: map[string]error{
			bus.PatternCreatePaymentSession: &domain.RemoteError{Status: 502, Message: "payments down"},
		}}
		cfg := cfg
		cfg.mode = modeCreatePay
		col := newCollector()

		if err := runScenario(context.Background(), client, cfg, 0, "run", col); err == nil {
			t.Fatal("expected scenario error")
		}
		if got := client.patterns(); len(got) != 2 {
			t.Fatalf("scenario must stop after failure, got %v", got)
		}
		r := col.buildReport(time.Now(), time.Second)
		if r.FailedScenarios != 1 || r.Patterns["scenario"].Codes["502"] != 1 {
			t.Fatalf("unexpected report: %+v", r)
		}
	})
}

func TestRunLoad(t *testing.T) {
	client := &fakeBusClient{}
	cfg := config{
		requestsTopic: kafka.TopicOrderRequests,
		total:         100,
		concurrency:   4,
		timeout:       time.Second,
		mode:          modeCreatePay,
		cancelRate:    50,
		productIDs:    []string{"p-1"},
		quantity:      1,
	}

	result := runLoad(context.Background(), client, cfg)
	if result.TotalScenarios != 100 || result.FailedScenarios != 0 {
		t.Fatalf("unexpected totals: %+v", result)
	}
	if got := result.Patterns[bus.PatternChangeOrderStatus].Calls; got != 50 {
		t.Fatalf("expected 50 cancellations, got %d", got)
	}
}

func TestPrintReport(t *testing.T) {
	r := report{
		TotalScenarios:   2,
		SuccessScenarios: 2,
		Patterns: map[string]patternReport{
			"scenario":             {Calls: 2, Success: 2},
			bus.PatternCreateOrder: {Calls: 2, Success: 2},
		},
	}

	var out bytes.Buffer
	printReport(&out, r, config{mode: modeCreate, total: 2})

	if !strings.Contains(out.String(), "Load test summary") {
		t.Fatalf("expected summary header, got: %s", out.String())
	}
	if !strings.Contains(out.String(), bus.PatternCreateOrder+":") {
		t.Fatalf("expected pattern section, got: %s", out.String())
	}
	if strings.Contains(out.String(), "scenario:") {
		t.Fatalf("scenario must not be listed as a pattern: %s", out.String())
	}
}
