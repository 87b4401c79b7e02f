package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/bots"
	"github.com/ksred/klear-ledger/internal/trading"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/internal/wallet"
)

const (
	defaultUsers   = 20
	numWorkers     = 5
	defaultAddress = "http://localhost:8080"

	// registrations share one client IP, so expect 429s unless
	// SERVER_AUTH_RATE_PER_MIN is raised on the server
	maxAttempts      = 8
	rateLimitBackoff = 500 * time.Millisecond
)

var (
	symbols = []string{"BTCUSD", "ETHUSD", "AAPL", "TSLA", "XAUUSD"}
	// sized so one position stays well inside the 1000 moved to the trading balance
	quantities = map[string]string{
		"BTCUSD": "0.005",
		"ETHUSD": "0.1",
		"AAPL":   "2",
		"TSLA":   "1",
		"XAUUSD": "0.1",
	}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, 95th and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient drives the ledger API over HTTP and records latency per route
type simulationClient struct {
	baseURL    string
	client     *http.Client
	adminToken string

	mu    sync.Mutex
	stats map[string]*routeStats
	order []string
}

func newSimulationClient(baseURL string) *simulationClient {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats:   make(map[string]*routeStats),
	}
	for _, r := range []struct{ key, name string }{
		{"register", "Register"},
		{"login", "Login"},
		{"credit", "Admin Credit"},
		{"transfer", "Transfer"},
		{"open", "Open Trade"},
		{"close", "Close Trade"},
		{"bot_start", "Start Bot"},
		{"bot_stop", "Stop Bot"},
		{"withdraw", "Withdraw"},
		{"reconcile", "Reconcile"},
	} {
		sc.stats[r.key] = &routeStats{name: r.name}
		sc.order = append(sc.order, r.key)
	}
	return sc
}

func (sc *simulationClient) record(route string, d time.Duration, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats[route].addDuration(d, failed)
}

// call sends a JSON request and decodes the data member of the response envelope into out
func (sc *simulationClient) call(route, method, path, token string, headers map[string]string, payload, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		sc.record(route, time.Since(start), err != nil)
	}()

	var body []byte
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}

	var (
		status   int
		respBody []byte
	)
	for attempt := 1; ; attempt++ {
		status, respBody, err = sc.send(method, path, token, headers, body)
		if err != nil {
			return err
		}
		if status != http.StatusTooManyRequests || attempt == maxAttempts {
			break
		}
		time.Sleep(time.Duration(attempt) * rateLimitBackoff)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("%s failed with status %d: %s", route, status, string(respBody))
	}

	if out == nil {
		return nil
	}
	envelope := struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

func (sc *simulationClient) send(method, path, token string, headers map[string]string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (sc *simulationClient) loginAdmin(email, password string) error {
	var token auth.TokenResponse
	if err := sc.call("login", http.MethodPost, "/api/auth/login", "", nil,
		auth.LoginRequest{Email: email, Password: password}, &token); err != nil {
		return err
	}
	sc.adminToken = token.Token
	return nil
}

// userOutcome is what one simulated user's lifecycle produced
type userOutcome struct {
	completed      bool
	balanced       bool
	tradePnL       decimal.Decimal
	botPnL         decimal.Decimal
	creditReplayed bool
}

// runUser walks one user through register, funding, a manual trade, a bot run and a withdrawal,
// then checks that the stored balances reconcile with the transaction log
func (sc *simulationClient) runUser(n int) (userOutcome, error) {
	var out userOutcome
	account := types.AccountDemo
	symbol := symbols[n%len(symbols)]

	var reg auth.TokenResponse
	err := sc.call("register", http.MethodPost, "/api/auth/register", "", nil, auth.RegisterRequest{
		Email:    fmt.Sprintf("sim-%s@example.com", uuid.New().String()[:8]),
		Password: "simulation-pass",
		FullName: fmt.Sprintf("Simulated User %d", n),
	}, &reg)
	if err != nil {
		return out, err
	}
	token := reg.Token

	if sc.adminToken != "" {
		// the same key twice must only credit once
		key := uuid.New().String()
		credit := wallet.CreditRequest{UserID: reg.Profile.UserID, Amount: decimal.NewFromInt(250), AccountType: types.AccountLive}
		for i := 0; i < 2; i++ {
			var res types.MutationResponse
			if err := sc.call("credit", http.MethodPost, "/api/admin/credit-balance", sc.adminToken,
				map[string]string{"Idempotency-Key": key}, credit, &res); err != nil {
				return out, err
			}
			out.creditReplayed = out.creditReplayed || res.Replayed
		}
	}

	for _, to := range []string{"trading", "bot_trading"} {
		if err := sc.call("transfer", http.MethodPost, "/api/wallet/transfer", token, nil, wallet.TransferRequest{
			From: "total", To: to, Amount: decimal.NewFromInt(1000), AccountType: account,
		}, nil); err != nil {
			return out, err
		}
	}

	var opened trading.Result
	if err := sc.call("open", http.MethodPost, "/api/trades", token,
		map[string]string{"Idempotency-Key": uuid.New().String()}, trading.OpenRequest{
			Symbol:      symbol,
			Side:        trading.SideBuy,
			OrderType:   trading.OrderMarket,
			Quantity:    decimal.RequireFromString(quantities[symbol]),
			AccountType: account,
		}, &opened); err != nil {
		return out, err
	}

	var closed trading.Result
	if err := sc.call("close", http.MethodPost, "/api/trades/"+opened.Trade.TradeID+"/close", token, nil, nil, &closed); err != nil {
		return out, err
	}
	out.tradePnL = closed.Trade.ProfitLoss

	var started bots.Result
	if err := sc.call("bot_start", http.MethodPost, "/api/bots", token, nil, bots.StartRequest{
		Symbol:      symbol,
		Strategy:    "grid",
		AccountType: account,
	}, &started); err != nil {
		return out, err
	}

	var stopped bots.Result
	if err := sc.call("bot_stop", http.MethodPost, "/api/bots/"+started.Trade.TradeID+"/stop", token, nil, nil, &stopped); err != nil {
		return out, err
	}
	out.botPnL = stopped.Trade.ProfitLoss

	if err := sc.call("withdraw", http.MethodPost, "/api/wallet/withdraw", token, nil, wallet.WithdrawRequest{
		Amount:      decimal.NewFromInt(100),
		BankDetails: map[string]string{"iban": "GB00SIM0000000000", "holder": reg.Profile.FullName},
		AccountType: account,
	}, nil); err != nil {
		return out, err
	}

	var rec types.ReconciliationResult
	if err := sc.call("reconcile", http.MethodGet, "/api/wallet/reconcile?accountType="+string(account), token, nil, nil, &rec); err != nil {
		return out, err
	}
	out.balanced = rec.Balanced
	out.completed = true
	return out, nil
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range sc.order {
		stats := sc.stats[key]
		if stats.totalCalls == 0 {
			continue
		}
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs simulated users against a running ledger API.
// SIM_ADMIN_EMAIL and SIM_ADMIN_PASSWORD enable the admin credit step.
func main() {
	baseURL := os.Getenv("SIM_BASE_URL")
	if baseURL == "" {
		baseURL = defaultAddress
	}
	users := defaultUsers
	if v, err := strconv.Atoi(os.Getenv("SIM_USERS")); err == nil && v > 0 {
		users = v
	}

	sc := newSimulationClient(baseURL)
	if email, password := os.Getenv("SIM_ADMIN_EMAIL"), os.Getenv("SIM_ADMIN_PASSWORD"); email != "" {
		if err := sc.loginAdmin(email, password); err != nil {
			log.Fatal().Err(err).Msg("Failed to log in as admin")
		}
	}

	log.Info().Int("users", users).Str("base_url", baseURL).Msg("Starting simulation")
	start := time.Now()

	jobs := make(chan int)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []userOutcome
		failed   int
	)

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for n := range jobs {
				outcome, err := sc.runUser(n)
				mu.Lock()
				if err != nil {
					failed++
					log.Error().Err(err).Int("worker_id", workerID).Int("user", n).Msg("Simulated user failed")
				} else {
					outcomes = append(outcomes, outcome)
					log.Info().
						Int("worker_id", workerID).
						Int("user", n).
						Str("trade_pnl", outcome.tradePnL.StringFixed(2)).
						Str("bot_pnl", outcome.botPnL.StringFixed(2)).
						Bool("balanced", outcome.balanced).
						Msg("Simulated user completed")
				}
				mu.Unlock()
			}
		}(i)
	}

	for n := 0; n < users; n++ {
		jobs <- n
	}
	close(jobs)
	wg.Wait()

	var (
		unbalanced int
		replays    int
		tradePnL   = decimal.Zero
		botPnL     = decimal.Zero
	)
	for _, o := range outcomes {
		if !o.balanced {
			unbalanced++
		}
		if o.creditReplayed {
			replays++
		}
		tradePnL = tradePnL.Add(o.tradePnL)
		botPnL = botPnL.Add(o.botPnL)
	}

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("LEDGER SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Users:              %d
Completed:          %d
Failed:             %d
Unbalanced wallets: %d
Credit replays:     %d
Manual trade P&L:   %s
Bot P&L:            %s
Duration:           %v
`, users, len(outcomes), failed, unbalanced, replays,
		tradePnL.StringFixed(2), botPnL.StringFixed(2), duration.Round(time.Millisecond))

	sc.printPerformanceStats()

	if unbalanced > 0 {
		log.Error().Int("unbalanced", unbalanced).Msg("Reconciliation found drift")
		os.Exit(1)
	}
}
