// Package server exposes the risk engine over HTTP.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"mosaical/native/ledger"
	"mosaical/native/lending"
	"mosaical/native/valuation"
)

// SnapshotSource reads stored valuation snapshots.
type SnapshotSource interface {
	LatestSnapshot(vaultID string) (*valuation.Snapshot, error)
}

// JournalSource reads the persisted ledger.
type JournalSource interface {
	Entries(f ledger.Filter) ([]ledger.Entry, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine    *lending.Engine
	Scheduler *lending.Scheduler
	State     lending.State
	Journal   JournalSource
	Snapshots SnapshotSource

	FaucetEnabled bool
	// FaucetRate is claims per minute per account.
	FaucetRate  float64
	FaucetBurst int

	Log *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	engine    *lending.Engine
	scheduler *lending.Scheduler
	state     lending.State
	journal   JournalSource
	snapshots SnapshotSource
	log       *slog.Logger

	faucetEnabled bool
	faucetRate    rate.Limit
	faucetBurst   int
	limiterMu     sync.Mutex
	limiters      map[string]*rate.Limiter

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.FaucetRate <= 0 {
		cfg.FaucetRate = 1
	}
	if cfg.FaucetBurst <= 0 {
		cfg.FaucetBurst = 1
	}
	srv := &Server{
		engine:        cfg.Engine,
		scheduler:     cfg.Scheduler,
		state:         cfg.State,
		journal:       cfg.Journal,
		snapshots:     cfg.Snapshots,
		log:           cfg.Log,
		faucetEnabled: cfg.FaucetEnabled,
		faucetRate:    rate.Limit(cfg.FaucetRate / 60),
		faucetBurst:   cfg.FaucetBurst,
		limiters:      make(map[string]*rate.Limiter),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/accounts", s.openAccount)
		api.Get("/accounts/{id}", s.getAccount)
		api.Post("/faucet", s.faucetClaim)

		api.Post("/vaults", s.deposit)
		api.Get("/vaults/{id}", s.getVault)
		api.Post("/vaults/{id}/withdraw", s.withdraw)
		api.Post("/vaults/{id}/settle-yield", s.settleYield)
		api.Get("/vaults/{id}/valuation", s.getValuation)

		api.Post("/loans", s.borrow)
		api.Get("/loans/{id}", s.getLoan)
		api.Get("/loans/{id}/health", s.getHealth)
		api.Post("/loans/{id}/repay", s.repay)
		api.Post("/loans/{id}/refinance", s.refinance)
		api.Post("/loans/{id}/swap-collateral", s.swapCollateral)

		api.Get("/ledger", s.listLedger)
	})

	r.Route("/ops/risk", func(ops chi.Router) {
		ops.Post("/run-pass", s.runPass)
		ops.Post("/run-yield", s.runYieldPass)
	})

	return r
}

type accountRequest struct {
	ID string `json:"id"`
}

func (s *Server) openAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	acct, err := s.engine.OpenAccount(req.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.state.GetAccount(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, acct)
}

func (s *Server) faucetClaim(w http.ResponseWriter, r *http.Request) {
	if !s.faucetEnabled {
		http.Error(w, "faucet disabled", http.StatusNotFound)
		return
	}
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.faucetLimiter(req.ID).Allow() {
		http.Error(w, "faucet rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	acct, err := s.engine.FaucetClaim(req.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, acct)
}

func (s *Server) faucetLimiter(accountID string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	limiter, ok := s.limiters[accountID]
	if !ok {
		limiter = rate.NewLimiter(s.faucetRate, s.faucetBurst)
		s.limiters[accountID] = limiter
	}
	return limiter
}

type depositRequest struct {
	OwnerID       string `json:"owner_id"`
	CollectionID  string `json:"collection_id"`
	TokenID       string `json:"token_id"`
	Name          string `json:"name"`
	DeclaredValue string `json:"declared_value"`
	UtilityScore  int    `json:"utility_score"`
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	value, ok := s.parseAmount(w, req.DeclaredValue)
	if !ok {
		return
	}
	vault, err := s.engine.Deposit(req.OwnerID, req.CollectionID, req.TokenID, req.Name, value, req.UtilityScore)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, vault)
}

func (s *Server) getVault(w http.ResponseWriter, r *http.Request) {
	vault, err := s.state.GetVault(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vault)
}

type withdrawRequest struct {
	OwnerID string `json:"owner_id"`
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	vault, err := s.engine.Withdraw(req.OwnerID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vault)
}

func (s *Server) settleYield(w http.ResponseWriter, r *http.Request) {
	paid, err := s.engine.SettleYield(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"settled": paid.String()})
}

func (s *Server) getValuation(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		http.Error(w, "valuation history unavailable", http.StatusNotFound)
		return
	}
	snap, err := s.snapshots.LatestSnapshot(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

type borrowRequest struct {
	BorrowerID string `json:"borrower_id"`
	VaultID    string `json:"vault_id"`
	Amount     string `json:"amount"`
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount)
	if !ok {
		return
	}
	loan, err := s.engine.Borrow(req.BorrowerID, req.VaultID, amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := s.state.GetLoan(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loan)
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.engine.GetHealth(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, health)
}

type repayRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount)
	if !ok {
		return
	}
	loan, err := s.engine.Repay(chi.URLParam(r, "id"), amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loan)
}

type refinanceRequest struct {
	MonthlyRateBps          uint64 `json:"monthly_rate_bps"`
	MaxLTVBps               uint64 `json:"max_ltv_bps"`
	LiquidationThresholdBps uint64 `json:"liquidation_threshold_bps"`
}

func (s *Server) refinance(w http.ResponseWriter, r *http.Request) {
	var req refinanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	loan, err := s.engine.Refinance(chi.URLParam(r, "id"), lending.RefinanceTerms{
		MonthlyRateBps:          req.MonthlyRateBps,
		MaxLTVBps:               req.MaxLTVBps,
		LiquidationThresholdBps: req.LiquidationThresholdBps,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, loan)
}

type swapRequest struct {
	VaultID string `json:"vault_id"`
}

func (s *Server) swapCollateral(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if !s.decode(w, r, &req) {
		return
	}
	loan, err := s.engine.SwapCollateral(chi.URLParam(r, "id"), req.VaultID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.Filter{
		AccountID: strings.TrimSpace(q.Get("account")),
		LoanID:    strings.TrimSpace(q.Get("loan")),
		VaultID:   strings.TrimSpace(q.Get("vault")),
	}
	if kind := strings.TrimSpace(q.Get("kind")); kind != "" {
		filter.Kinds = []ledger.Kind{ledger.Kind(strings.ToUpper(kind))}
	}
	if from := strings.TrimSpace(q.Get("from")); from != "" {
		ts, err := time.Parse(time.RFC3339, from)
		if err != nil {
			http.Error(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
		filter.From = ts
	}
	if to := strings.TrimSpace(q.Get("to")); to != "" {
		ts, err := time.Parse(time.RFC3339, to)
		if err != nil {
			http.Error(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
		filter.To = ts
	}
	entries, err := s.journal.Entries(filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) runPass(w http.ResponseWriter, r *http.Request) {
	report, err := s.scheduler.RunPass(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) runYieldPass(w http.ResponseWriter, r *http.Request) {
	report, err := s.scheduler.RunYieldPass(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) parseAmount(w http.ResponseWriter, raw string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return decimal.Zero, false
	}
	return amount, true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
	}
	http.Error(w, message, status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
