package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/visioncare/eyecare-scheduling/internal/api"
	"github.com/visioncare/eyecare-scheduling/internal/auth"
	"github.com/visioncare/eyecare-scheduling/internal/calendar"
	"github.com/visioncare/eyecare-scheduling/internal/config"
	"github.com/visioncare/eyecare-scheduling/internal/db"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	CancelRatio  float64
	ReadRatio    float64
	UserLimit    int
	Days         int
	JWTSecret    string
	PostgresDSN  string
	Location     *time.Location
}

// Caller is one simulated registered user with a minted bearer token.
type Caller struct {
	ID    string
	Token string
}

type DataPool struct {
	Callers []Caller
	Dates   []string
	mu      sync.Mutex
	booked  map[string][]uuid.UUID // caller id -> appointment ids
}

func (dp *DataPool) AddAppointment(callerID string, id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.booked[callerID] = append(dp.booked[callerID], id)
}

// TakeAppointment removes and returns one of the caller's appointments.
func (dp *DataPool) TakeAppointment(callerID string, rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	ids := dp.booked[callerID]
	if len(ids) == 0 {
		return uuid.Nil, false
	}
	idx := rng.Intn(len(ids))
	id := ids[idx]
	ids[idx] = ids[len(ids)-1]
	dp.booked[callerID] = ids[:len(ids)-1]
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

func (om *OperationMetrics) Stats() (avg, lo, hi, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	n := len(latencies)
	avg = sum / time.Duration(n)
	lo = latencies[0]
	hi = latencies[n-1]
	p50 = latencies[min(n*50/100, n-1)]
	p95 = latencies[min(n*95/100, n-1)]
	return avg, lo, hi, p50, p95
}

type Metrics struct {
	Slots    OperationMetrics
	Booking  OperationMetrics
	Cancel   OperationMetrics
	ListMine OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d booking=%.2f cancel=%.2f read=%.2f days=%d",
		cfg.Duration, cfg.Workers, cfg.BookingRatio, cfg.CancelRatio, cfg.ReadRatio, cfg.Days)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d callers, %d dates", len(dataPool.Callers), len(dataPool.Dates))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.4),
		UserLimit:    getInt("SIM_USER_LIMIT", 200),
		Days:         getInt("SIM_DAYS", 3),
		JWTSecret:    baseCfg.JWTSecret,
		PostgresDSN:  baseCfg.PostgresDSN,
		Location:     baseCfg.Schedule.Location,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
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
	if cfg.Days <= 0 {
		return fmt.Errorf("SIM_DAYS must be > 0")
	}
	return nil
}

// loadDataPool mints tokens for seeded users and picks the dates to
// contend on. A small date range keeps many workers on the same slots.
func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{booked: make(map[string][]uuid.UUID)}

	rows, err := pool.Query(ctx, `SELECT id FROM users ORDER BY id LIMIT $1`, cfg.UserLimit)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		token, err := auth.IssueToken(cfg.JWTSecret, id, auth.RoleUser, cfg.Duration+time.Hour, now)
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		dataPool.Callers = append(dataPool.Callers, Caller{ID: id, Token: token})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(dataPool.Callers) == 0 {
		return nil, fmt.Errorf("no users loaded, run cmd/seed first")
	}

	today := now.In(cfg.Location)
	for d := 1; d <= cfg.Days; d++ {
		dataPool.Dates = append(dataPool.Dates, today.AddDate(0, 0, d).Format(calendar.DateLayout))
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			caller := s.pool.Callers[rng.Intn(len(s.pool.Callers))]
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng, caller)
			case r < s.config.BookingRatio+s.config.CancelRatio:
				s.doCancel(ctx, rng, caller)
			case rng.Intn(2) == 0:
				s.doAvailableSlots(ctx, rng, caller)
			default:
				s.doListMine(ctx, caller)
			}
		}
	}
}

func (s *Simulator) send(ctx context.Context, method, path, token string, body any, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) fetchSlots(ctx context.Context, caller Caller, date string) ([]api.SlotResponse, int, error) {
	var slots []api.SlotResponse
	status, err := s.send(ctx, http.MethodGet, "/appointments/available-slots?date="+date, caller.Token, nil, &slots)
	return slots, status, err
}

func (s *Simulator) doAvailableSlots(ctx context.Context, rng *rand.Rand, caller Caller) {
	date := s.pool.Dates[rng.Intn(len(s.pool.Dates))]

	start := time.Now()
	_, status, err := s.fetchSlots(ctx, caller, date)
	s.metrics.Slots.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

// doBooking reads a day's grid and races for one of its free slots. Losing
// the race shows up as a conflict, which is the expected outcome under load.
func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand, caller Caller) {
	date := s.pool.Dates[rng.Intn(len(s.pool.Dates))]
	slots, status, err := s.fetchSlots(ctx, caller, date)
	if err != nil || status != http.StatusOK {
		return
	}

	free := make([]string, 0, len(slots))
	for _, sl := range slots {
		if sl.Available {
			free = append(free, sl.Start)
		}
	}
	if len(free) == 0 {
		return
	}

	body := api.BookingRequest{Date: date, Slot: free[rng.Intn(len(free))], Reason: "simulated eye test"}
	var appt api.AppointmentResponse

	start := time.Now()
	status, err = s.send(ctx, http.MethodPost, "/doctor-appointments/my-booking", caller.Token, body, &appt)
	latency := time.Since(start)

	success := err == nil && status == http.StatusCreated
	if success {
		s.pool.AddAppointment(caller.ID, appt.ID)
	}
	s.metrics.Booking.Record(latency, success, status == http.StatusConflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand, caller Caller) {
	id, ok := s.pool.TakeAppointment(caller.ID, rng)
	if !ok {
		return
	}

	start := time.Now()
	status, err := s.send(ctx, http.MethodPost, "/doctor-appointments/"+id.String()+"/cancel", caller.Token, nil, nil)
	s.metrics.Cancel.Record(time.Since(start), err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doListMine(ctx context.Context, caller Caller) {
	start := time.Now()
	status, err := s.send(ctx, http.MethodGet, "/doctor-appointments/my", caller.Token, nil, nil)
	s.metrics.ListMine.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Dates: %s\n", strings.Join(s.pool.Dates, ", "))
	fmt.Println()

	printOperationReport("Available slots", &s.metrics.Slots)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("List mine", &s.metrics.ListMine)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, lo, hi, p50, p95 := om.Stats()

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
		avg.Round(time.Millisecond), lo.Round(time.Millisecond), hi.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

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
