package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orders/internal/transport/bus"
)

const (
	codeOK      = "OK"
	codeTimeout = "TIMEOUT"
	codeError   = "ERROR"

	envKafkaBrokers       = "ORDERS_KAFKA_BROKERS"
	envKafkaBrokersLegacy = "KAFKA_BROKERS"
)

type loadMode string

const (
	modeCreate          loadMode = "create"
	modeCreatePay       loadMode = "create-pay"
	modeCreatePayCancel loadMode = "create-pay-cancel"
)

type config struct {
	brokers       []string
	requestsTopic string
	repliesTopic  string
	total         int
	totalSet      bool
	duration      time.Duration
	concurrency   int
	timeout       time.Duration
	mode          loadMode
	cancelRate    int
	productIDs    []string
	quantity      int
	outputPath    string
}

// busClient: клиентская сторона request/reply. Реализуется *kafka.Requester.
type busClient interface {
	Request(ctx context.Context, topic, pattern string, payload, out any) error
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type patternReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time                `json:"started_at"`
	DurationSeconds   float64                  `json:"duration_seconds"`
	TotalScenarios    int64                    `json:"total_scenarios"`
	SuccessScenarios  int64                    `json:"success_scenarios"`
	FailedScenarios   int64                    `json:"failed_scenarios"`
	ErrorRate         float64                  `json:"error_rate"`
	RPS               float64                  `json:"rps"`
	ScenarioLatencyMs latencySummary           `json:"scenario_latency_ms"`
	Patterns          map[string]patternReport `json:"patterns"`
}

type patternStats struct {
	calls     int64
	success   int64
	failed    int64
	codes     map[string]int64
	latencies []float64
}

type collector struct {
	mu       sync.Mutex
	patterns map[string]*patternStats
}

func newCollector() *collector {
	return &collector{patterns: make(map[string]*patternStats)}
}

func (c *collector) record(pattern string, latency time.Duration, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.patterns[pattern]
	if !ok {
		stats = &patternStats{codes: make(map[string]int64)}
		c.patterns[pattern] = stats
	}

	stats.calls++
	if code == codeOK {
		stats.success++
	} else {
		stats.failed++
	}
	stats.codes[code]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (s *patternStats) report() patternReport {
	return patternReport{
		Calls:     s.calls,
		Success:   s.success,
		Failed:    s.failed,
		ErrorRate: ratio(s.failed, s.calls),
		Codes:     lo.Assign(s.codes),
		LatencyMs: buildLatencySummary(s.latencies),
	}
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Patterns:        make(map[string]patternReport, len(c.patterns)),
	}

	if scenario := c.patterns["scenario"]; scenario != nil {
		result.TotalScenarios = scenario.calls
		result.SuccessScenarios = scenario.success
		result.FailedScenarios = scenario.failed
		result.ErrorRate = ratio(scenario.failed, scenario.calls)
		result.ScenarioLatencyMs = buildLatencySummary(scenario.latencies)
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}

	for name, stats := range c.patterns {
		result.Patterns[name] = stats.report()
	}
	return result
}

func parseConfig(args []string, lookup func(string) (string, bool)) (config, error) {
	var (
		cfg         config
		brokersRaw  string
		productsRaw string
		modeValue   string
	)

	flags := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+envKafkaBrokers+")")
	flags.StringVar(&cfg.requestsTopic, "requests-topic", kafka.TopicOrderRequests, "topic served by the order service")
	flags.StringVar(&cfg.repliesTopic, "replies-topic", kafka.TopicOrderReplies, "topic for replies to this load generator")
	flags.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	flags.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m, 15m)")
	flags.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	flags.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request reply timeout")
	flags.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | create-pay | create-pay-cancel")
	flags.IntVar(&cfg.cancelRate, "cancel-rate", 0, "cancel probability in percent for create-pay mode (0..100)")
	flags.StringVar(&productsRaw, "products", "", "comma-separated product ids known to the catalog")
	flags.IntVar(&cfg.quantity, "quantity", 1, "quantity per order line")
	flags.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := flags.Parse(args); err != nil {
		return cfg, err
	}

	flags.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	for _, key := range []string{envKafkaBrokers, envKafkaBrokersLegacy} {
		if strings.TrimSpace(brokersRaw) != "" {
			break
		}
		if value, ok := lookup(key); ok {
			brokersRaw = value
		}
	}
	cfg.brokers = splitList(brokersRaw)
	cfg.productIDs = splitList(productsRaw)

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	var errs []error
	if len(cfg.brokers) == 0 {
		errs = append(errs, errors.New("kafka brokers are required (-brokers or "+envKafkaBrokers+")"))
	}
	if strings.TrimSpace(cfg.requestsTopic) == "" || strings.TrimSpace(cfg.repliesTopic) == "" {
		errs = append(errs, errors.New("requests-topic and replies-topic are required"))
	}
	if cfg.duration < 0 {
		errs = append(errs, errors.New("duration must be >= 0"))
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		errs = append(errs, errors.New("total must be > 0 when duration is not set"))
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		errs = append(errs, errors.New("total must be > 0 when explicitly set with duration"))
	}
	if cfg.concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be > 0"))
	}
	if cfg.timeout <= 0 {
		errs = append(errs, errors.New("timeout must be > 0"))
	}
	if cfg.quantity <= 0 {
		errs = append(errs, errors.New("quantity must be > 0"))
	}
	if cfg.cancelRate < 0 || cfg.cancelRate > 100 {
		errs = append(errs, errors.New("cancel-rate must be between 0 and 100"))
	}
	if len(cfg.productIDs) == 0 {
		errs = append(errs, errors.New("at least one product id is required (-products)"))
	}
	return cfg, errors.Join(errs...)
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeCreate:
		return modeCreate, nil
	case modeCreatePay:
		return modeCreatePay, nil
	case modeCreatePayCancel:
		return modeCreatePayCancel, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func splitList(raw string) []string {
	return lo.Compact(lo.Map(strings.Split(raw, ","), func(chunk string, _ int) string {
		return strings.TrimSpace(chunk)
	}))
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.WarnLevel)

	cfg, err := parseConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, os.Stdout)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg config, out io.Writer) int {
	producer, err := kafka.NewProducer(cfg.brokers, "orders-loadtest")
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to create kafka producer: %v\n", err)
		return 1
	}
	defer func() { _ = producer.Close() }()

	requester := kafka.NewRequester(producer, cfg.repliesTopic, kafka.WithRequestTimeout(cfg.timeout))
	replies, err := kafka.NewConsumer(
		cfg.brokers,
		"orders-loadtest-"+uuid.NewString(),
		[]string{cfg.repliesTopic},
		requester.HandleReply,
		kafka.WithInitialOffset(sarama.OffsetNewest),
		kafka.WithClientID("orders-loadtest"),
	)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to create reply consumer: %v\n", err)
		return 1
	}
	if err := replies.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to start reply consumer: %v\n", err)
		return 1
	}
	defer func() { _ = replies.Stop() }()

	result := runLoad(ctx, requester, cfg)
	printReport(out, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			return 1
		}
	}
	if result.FailedScenarios > 0 {
		return 1
	}
	return 0
}

func runLoad(ctx context.Context, client busClient, cfg config) report {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup

	for range cfg.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if err := runScenario(ctx, client, cfg, id, runID, col); err != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}

	dispatchJobs(ctx, jobs, cfg)
	wg.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}
	return result
}

func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for i := 0; ; i++ {
		if (cfg.duration <= 0 || cfg.totalSet) && i >= cfg.total {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}

func runScenario(ctx context.Context, client busClient, cfg config, index int, runID string, col *collector) (err error) {
	scenarioStart := time.Now()
	defer func() {
		col.record("scenario", time.Since(scenarioStart), replyCode(err))
	}()

	items := lo.Map(cfg.productIDs, func(id string, _ int) domain.LineRequest {
		return domain.LineRequest{ProductID: id, Quantity: cfg.quantity}
	})

	var order domain.Order
	createKey := fmt.Sprintf("lt-create-%s-%d", runID, index)
	if err := call(ctx, client, cfg, col, createKey, bus.PatternCreateOrder, map[string]any{"items": items}, &order); err != nil {
		return err
	}
	if order.ID == "" {
		return errors.New("create reply returned empty order id")
	}

	if cfg.mode == modeCreate {
		return nil
	}

	if err := call(ctx, client, cfg, col, "", bus.PatternCreatePaymentSession, map[string]string{"orderId": order.ID}, nil); err != nil {
		return err
	}
	paid := map[string]string{
		"orderId":          order.ID,
		"externalChargeId": fmt.Sprintf("lt-charge-%s-%d", runID, index),
		"receiptUrl":       fmt.Sprintf("https://receipts.example/%s", order.ID),
	}
	if err := call(ctx, client, cfg, col, "", bus.PatternPaidOrder, paid, nil); err != nil {
		return err
	}

	if cfg.mode == modeCreatePayCancel || (cfg.mode == modeCreatePay && shouldCancelScenario(index, cfg.cancelRate)) {
		cancel := map[string]string{"id": order.ID, "status": string(domain.OrderStatusCancelled)}
		if err := call(ctx, client, cfg, col, "", bus.PatternChangeOrderStatus, cancel, nil); err != nil {
			return err
		}
	}
	return nil
}

func call(ctx context.Context, client busClient, cfg config, col *collector, key, pattern string, payload, out any) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if key != "" {
		ctx = kafka.WithIdempotencyKey(ctx, key)
	}

	err := client.Request(ctx, cfg.requestsTopic, pattern, payload, out)
	col.record(pattern, time.Since(start), replyCode(err))
	return err
}

// replyCode сводит результат запроса к метке для отчёта: OK, HTTP-статус
// error-конверта, TIMEOUT или ERROR.
func replyCode(err error) string {
	var remote *domain.RemoteError
	switch {
	case err == nil:
		return codeOK
	case errors.As(err, &remote):
		return strconv.Itoa(remote.Status)
	case errors.Is(err, kafka.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return codeTimeout
	default:
		return codeError
	}
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(out io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(out, "Load test summary")
	_, _ = fmt.Fprintf(out, "mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode,
		runTarget(cfg),
		result.TotalScenarios,
		result.SuccessScenarios,
		result.FailedScenarios,
		result.ErrorRate,
	)
	_, _ = fmt.Fprintf(out, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	_, _ = fmt.Fprintf(out, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)

	names := lo.Without(lo.Keys(result.Patterns), "scenario")
	sort.Strings(names)
	for _, name := range names {
		stats := result.Patterns[name]
		_, _ = fmt.Fprintf(out,
			"%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name,
			stats.Calls,
			stats.Success,
			stats.Failed,
			stats.ErrorRate,
			stats.LatencyMs.P95,
		)
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := lo.Sum(sorted)
	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
