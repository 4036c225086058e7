package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/healthfirst/availability-scheduling/internal/config"
	"github.com/healthfirst/availability-scheduling/internal/db"
	"github.com/healthfirst/availability-scheduling/internal/logging"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	BookingRatio  float64
	CancelRatio   float64
	SearchRatio   float64
	ProviderLimit int
	SlotLimit     int
}

// DataPool holds ids sampled from Postgres before the run plus the slots
// the simulator managed to book.
type DataPool struct {
	Providers       []providerRef
	Slots           []uuid.UUID
	Specializations []string
	mu              sync.RWMutex
	booked          []uuid.UUID
}

type providerRef struct {
	ID             uuid.UUID
	Specialization string
}

func (dp *DataPool) AddBooked(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.booked = append(dp.booked, id)
}

// TakeBooked removes and returns a random booked slot.
func (dp *DataPool) TakeBooked(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.booked) == 0 {
		return uuid.Nil, false
	}
	idx := rng.Intn(len(dp.booked))
	id := dp.booked[idx]
	dp.booked[idx] = dp.booked[len(dp.booked)-1]
	dp.booked = dp.booked[:len(dp.booked)-1]
	return id, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	if len(latencies) > 0 {
		p50Idx := len(latencies) * 50 / 100
		if p50Idx >= len(latencies) {
			p50Idx = len(latencies) - 1
		}
		p50 = latencies[p50Idx]

		p95Idx := len(latencies) * 95 / 100
		if p95Idx >= len(latencies) {
			p95Idx = len(latencies) - 1
		}
		p95 = latencies[p95Idx]
	}

	return avg, min, max, p50, p95
}

type Metrics struct {
	Search       OperationMetrics
	ProviderView OperationMetrics
	Booking      OperationMetrics
	Cancel       OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("dev", "info")
		bootLog.Fatal().Err(err).Msg("failed to load base config")
	}
	log := logging.New(baseCfg.Env, baseCfg.LogLevel).With().Str("cmd", "simulate").Logger()

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("search", cfg.SearchRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, baseCfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}

	log.Info().Int("providers", len(dataPool.Providers)).Int("slots", len(dataPool.Slots)).Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		BookingRatio:  getFloat("SIM_BOOKING_RATIO", 0.3),
		CancelRatio:   getFloat("SIM_CANCEL_RATIO", 0.1),
		SearchRatio:   getFloat("SIM_SEARCH_RATIO", 0.6),
		ProviderLimit: getInt("SIM_PROVIDER_LIMIT", 500),
		SlotLimit:     getInt("SIM_SLOT_LIMIT", 5000),
	}

	total := cfg.BookingRatio + cfg.CancelRatio + cfg.SearchRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.SearchRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id, specialization FROM providers LIMIT $1
	`, cfg.ProviderLimit)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	seen := make(map[string]struct{})
	for rows.Next() {
		var p providerRef
		if err := rows.Scan(&p.ID, &p.Specialization); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Providers = append(dataPool.Providers, p)
		if _, ok := seen[p.Specialization]; !ok {
			seen[p.Specialization] = struct{}{}
			dataPool.Specializations = append(dataPool.Specializations, p.Specialization)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}

	rows, err = pool.Query(ctx, `
		SELECT id FROM slots
		WHERE status = 'available' AND start_at > now()
		ORDER BY start_at
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}

	if len(dataPool.Providers) == 0 {
		return nil, fmt.Errorf("no providers loaded, run cmd/seed first")
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no available slots loaded")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.CancelRatio:
				s.doCancel(ctx, rng)
			default:
				if rng.Intn(2) == 0 {
					s.doSearch(ctx, rng)
				} else {
					s.doProviderView(ctx, rng)
				}
			}
		}
	}
}

// call issues one request and classifies the response: 2xx success,
// 409 conflict, anything else (including transport errors) an error.
func (s *Simulator) call(ctx context.Context, method, path string, body any) (status int, latency time.Duration, err error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency = time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, latency, nil
}

func record(om *OperationMetrics, status int, latency time.Duration, err error) {
	om.Record(latency, err == nil && status >= 200 && status < 300, status == http.StatusConflict)
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slotID := s.pool.Slots[rng.Intn(len(s.pool.Slots))]

	status, latency, err := s.call(ctx, http.MethodPost, "/api/v1/slots/"+slotID.String()+"/book", map[string]string{
		"patient_id":        uuid.NewString(),
		"booking_reference": "SIM-" + strconv.FormatInt(rng.Int63n(1_000_000_000), 36),
	})
	if err == nil && status == http.StatusOK {
		s.pool.AddBooked(slotID)
	}
	record(&s.metrics.Booking, status, latency, err)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	slotID, ok := s.pool.TakeBooked(rng)
	if !ok {
		return
	}

	status, latency, err := s.call(ctx, http.MethodPost, "/api/v1/slots/"+slotID.String()+"/cancel", nil)
	record(&s.metrics.Cancel, status, latency, err)
}

func (s *Simulator) doSearch(ctx context.Context, rng *rand.Rand) {
	day := time.Now().AddDate(0, 0, rng.Intn(14)+1)

	q := url.Values{}
	q.Set("date", day.Format("2006-01-02"))
	if len(s.pool.Specializations) > 0 && rng.Intn(2) == 0 {
		q.Set("specialization", s.pool.Specializations[rng.Intn(len(s.pool.Specializations))])
	}
	if rng.Intn(3) == 0 {
		q.Set("timezone", "America/New_York")
	}

	status, latency, err := s.call(ctx, http.MethodGet, "/api/v1/availability/search?"+q.Encode(), nil)
	record(&s.metrics.Search, status, latency, err)
}

func (s *Simulator) doProviderView(ctx context.Context, rng *rand.Rand) {
	p := s.pool.Providers[rng.Intn(len(s.pool.Providers))]
	from := time.Now()
	to := from.AddDate(0, 0, 7)

	path := fmt.Sprintf("/api/v1/providers/%s/availability?start_date=%s&end_date=%s",
		p.ID, from.Format("2006-01-02"), to.Format("2006-01-02"))

	status, latency, err := s.call(ctx, http.MethodGet, path, nil)
	record(&s.metrics.ProviderView, status, latency, err)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Search", &s.metrics.Search)
	printOperationReport("Provider view", &s.metrics.ProviderView)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
