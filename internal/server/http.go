// Package server exposes the HTTP command/query API and a minimal gRPC
// health endpoint. Commands are validated for shape only, stamped with a
// command ID, and handed to the gateway; the core applies them
// asynchronously, so every command endpoint answers 202 with the assigned
// sequence rather than the outcome.
package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"HabitLedger/internal/event"
	"HabitLedger/internal/ingestion"
	"HabitLedger/internal/observability"
	"HabitLedger/internal/query"
)

// ServerDeps holds everything the HTTP API needs.
type ServerDeps struct {
	QueryService  *query.QueryService
	Gateway       *ingestion.CommandGateway
	AdminService  *ingestion.AdminIngestService
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
}

// HTTPServer serves the public command/query API plus operator endpoints.
type HTTPServer struct {
	qs      *query.QueryService
	gateway *ingestion.CommandGateway
	admin   *ingestion.AdminIngestService
	health  *observability.HealthChecker
	metrics *observability.Metrics
	srv     *http.Server
}

func NewHTTPServer(addr string, deps *ServerDeps) *HTTPServer {
	s := &HTTPServer{
		qs:      deps.QueryService,
		gateway: deps.Gateway,
		admin:   deps.AdminService,
		health:  deps.HealthChecker,
		metrics: deps.Metrics,
	}
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the chi router with all routes mounted.
func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	if s.health != nil {
		r.Get("/healthz", s.health.LivenessHandler)
		r.Get("/readyz", s.health.ReadinessHandler)
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		})
		r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		})
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Commands.
		r.Post("/habits", s.handleCreateHabit)
		r.Post("/habits/{habitID}/checkin", s.handleCheckIn)
		r.Post("/habits/{habitID}/settle", s.handleForceSettle)
		r.Post("/habits/{habitID}/stake", s.handleStakeAdd)
		r.Put("/habits/{habitID}/stake", s.handleStakeEdit)
		r.Post("/habits/{habitID}/claim", s.handleRewardClaim)
		r.Post("/deposits", s.handleDeposit)
		r.Post("/withdrawals", s.handleWithdrawal)

		// Queries.
		r.Get("/habits/{habitID}", s.instrument("get_habit", s.handleGetHabit))
		r.Get("/habits/{habitID}/reward", s.instrument("get_reward", s.handleGetReward))
		r.Get("/habits/{habitID}/penalties", s.instrument("penalty_history", s.handlePenaltyHistory))
		r.Get("/users/{userID}/habits", s.instrument("list_habits", s.handleListHabits))
		r.Get("/users/{userID}/balance", s.instrument("get_balance", s.handleGetBalance))
		r.Get("/users/{userID}/journal", s.instrument("journal_history", s.handleJournalHistory))
		r.Get("/vaults/{asset}", s.instrument("get_vault", s.handleGetVault))
		r.Get("/commands/{commandID}", s.instrument("command_status", s.handleCommandStatus))

		// Operator endpoints. Deployments front these with network policy;
		// the service itself does no authentication.
		r.Route("/admin", func(r chi.Router) {
			r.Get("/integrity", s.instrument("verify_integrity", s.handleVerifyIntegrity))
			r.Post("/withdrawals/confirm", s.handleConfirmWithdrawal)
			r.Post("/withdrawals/reject", s.handleRejectWithdrawal)
			r.Post("/settle/{habitID}", s.handleAdminSettle)
			r.Post("/prices", s.handleInjectPrice)
		})
	})

	return r
}

// Start runs the server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP server listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- command handlers ---

type createHabitRequest struct {
	CommandID      string `json:"command_id"`
	Owner          string `json:"owner"`
	Frequency      string `json:"frequency"`
	DurationDays   int64  `json:"duration_days"`
	Asset          string `json:"asset"`
	Stake          int64  `json:"stake"`
	CooldownSecs   int64  `json:"cooldown_secs"`
	IsPrivate      bool   `json:"is_private"`
	CommitmentHash string `json:"commitment_hash"`
}

func (s *HTTPServer) handleCreateHabit(w http.ResponseWriter, r *http.Request) {
	var req createHabitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner")
		return
	}
	if req.Asset == "" {
		writeError(w, http.StatusBadRequest, "asset is required")
		return
	}
	if req.Stake <= 0 {
		writeError(w, http.StatusBadRequest, "stake must be positive")
		return
	}
	if req.DurationDays < 0 || req.CooldownSecs < 0 {
		writeError(w, http.StatusBadRequest, "duration_days and cooldown_secs must not be negative")
		return
	}
	if req.Frequency == "" {
		req.Frequency = "daily"
	}
	commitment, err := parseCommitment(req.CommitmentHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmdID, err := commandID(req.CommandID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command_id")
		return
	}

	s.submit(w, r, &event.HabitCreate{
		CommandID:      cmdID,
		Owner:          owner,
		Frequency:      req.Frequency,
		DurationDays:   req.DurationDays,
		Asset:          req.Asset,
		Stake:          req.Stake,
		CooldownSecs:   req.CooldownSecs,
		IsPrivate:      req.IsPrivate,
		CommitmentHash: commitment,
		Timestamp:      time.Now(),
	}, "command_id", cmdID.String())
}

type habitCommandRequest struct {
	CommandID string `json:"command_id"`
	Requester string `json:"requester"`
}

func (s *HTTPServer) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	habitID, ok := habitIDParam(w, r)
	if !ok {
		return
	}
	var req habitCommandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	requester, err := uuid.Parse(req.Requester)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid requester")
		return
	}
	cmdID, err := commandID(req.CommandID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command_id")
		return
	}

	s.submit(w, r, &event.CheckIn{
		CommandID: cmdID,
		HabitID:   habitID,
		Requester: requester,
		Timestamp: time.Now(),
	}, "command_id", cmdID.String())
}

type settleRequest struct {
	CommandID string `json:"command_id"`
}

// handleForceSettle applies any overdue penalty for a habit. Settlement
// is permissionless, so there is no requester.
func (s *HTTPServer) handleForceSettle(w http.ResponseWriter, r *http.Request) {
	habitID, ok := habitIDParam(w, r)
	if !ok {
		return
	}
	var req settleRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	cmdID, err := commandID(req.CommandID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command_id")
		return
	}

	s.submit(w, r, &event.ForceSettle{
		CommandID: cmdID,
		HabitID:   habitID,
		Timestamp: time.Now(),
	}, "command_id", cmdID.String())
}

type stakeAddRequest struct {
	CommandID string `json:"command_id"`
	Requester string `json:"requester"`
	Amount    int64  `json:"amount"`
}

func (s *HTTPServer) handleStakeAdd(w http.ResponseWriter, r *http.Request) {
	habitID, ok := habitIDParam(w, r)
	if !ok {
		return
	}
	var req stakeAddRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	requester, err := uuid.Parse(req.Requester)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid requester")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	cmdID, err := commandID(req.CommandID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command_id")
		return
	}

	s.submit(w, r, &event.StakeAdd{
		CommandID: cmdID,
		HabitID:   habitID,
		Requester: requester,
		Amount:    req.Amount,
		Timestamp: time.Now(),
	}, "command_id", cmdID.String())
}

type stakeEditRequest struct {
	CommandID string `json:"command_id"`
	Requester string `json:"requester"`
	NewStake  int64  `json:"new_stake"`
}

func (s *HTTPServer) handleStakeEdit(w http.ResponseWriter, r *http.Request) {
	habitID, ok := habitIDParam(w, r)
	if !ok {
		return
	}
	var req stakeEditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	requester, err := uuid.Parse(req.Requester)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid requester")
		return
	}
	if req.NewStake <= 0 {
		writeError(w, http.StatusBadRequest, "new_stake must be positive")
		return
	}
	cmdID, err := commandID(req.CommandID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command_id")
		return
	}

	s.submit(w, r, &event.StakeEdit{
		CommandID: cmdID,
		HabitID:   habitID,
		Requester: requester,
		NewStake:  req.NewStake,
		Timestamp: time.Now(),
	}, "command_id", cmdID.String())
}

func (s *HTTPServer) handleRewardClaim(w http.ResponseWriter, r *http.Request) {
	habitID, ok := habitIDParam(w, r)
	if !ok {
		return
	}
	var req habitCommandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	requester, err := uuid.Parse(req.Requester)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid requester")
		return
	}
	cmdID, err := commandID(req.CommandID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command_id")
		return
	}

	s.submit(w, r, &event.RewardClaim{
		CommandID: cmdID,
		HabitID:   habitID,
		Requester: requester,
		Timestamp: time.Now(),
	}, "command_id", cmdID.String())
}

type depositRequest struct {
	DepositID string `json:"deposit_id"`
	UserID    string `json:"user_id"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
}

// handleDeposit records a confirmed custody deposit. The bridge watching
// the custodian calls this; deposit_id should be derived from the custody
// transaction so replays dedup.
func (s *HTTPServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	if req.Asset == "" {
		writeError(w, http.StatusBadRequest, "asset is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	depositID, err := commandID(req.DepositID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid deposit_id")
		return
	}

	seq, err := s.admin.InjectDeposit(r.Context(), depositID, userID, req.Asset, req.Amount)
	if err != nil {
		log.Printf("ERROR: inject deposit: %v", err)
		writeError(w, http.StatusServiceUnavailable, "deposit could not be accepted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"deposit_id": depositID.String(),
		"sequence":   seq,
	})
}

type withdrawalRequest struct {
	WithdrawalID string `json:"withdrawal_id"`
	UserID       string `json:"user_id"`
	Asset        string `json:"asset"`
	Amount       int64  `json:"amount"`
}

func (s *HTTPServer) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	if req.Asset == "" {
		writeError(w, http.StatusBadRequest, "asset is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	withdrawalID, err := commandID(req.WithdrawalID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid withdrawal_id")
		return
	}

	s.submit(w, r, &event.WithdrawalRequested{
		WithdrawalID: withdrawalID,
		UserID:       userID,
		Asset:        req.Asset,
		Amount:       req.Amount,
		Timestamp:    time.Now(),
	}, "withdrawal_id", withdrawalID.String())
}

// --- query handlers ---

func (s *HTTPServer) handleGetHabit(w http.ResponseWriter, r *http.Request) {
	habitID, ok := habitIDParam(w, r)
	if !ok {
		return
	}
	habit, err := s.qs.GetHabit(r.Context(), habitID)
	if err != nil {
		log.Printf("ERROR: get habit %d: %v", habitID, err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if habit == nil {
		writeError(w, http.StatusNotFound, "habit not found")
		return
	}
	writeJSON(w, http.StatusOK, habit)
}

func (s *HTTPServer) handleGetReward(w http.ResponseWriter, r *http.Request) {
	habitID, ok := habitIDParam(w, r)
	if !ok {
		return
	}
	reward, err := s.qs.GetReward(r.Context(), habitID)
	if err != nil {
		log.Printf("ERROR: get reward %d: %v", habitID, err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if reward == nil {
		writeError(w, http.StatusNotFound, "habit not found")
		return
	}
	writeJSON(w, http.StatusOK, reward)
}

func (s *HTTPServer) handlePenaltyHistory(w http.ResponseWriter, r *http.Request) {
	habitID, ok := habitIDParam(w, r)
	if !ok {
		return
	}
	limit, afterSeq, ok := pageParams(w, r, 50, 100)
	if !ok {
		return
	}

	entries, err := s.qs.GetPenaltyHistory(r.Context(), habitID, limit, afterSeq)
	if err != nil {
		log.Printf("ERROR: penalty history %d: %v", habitID, err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"penalties": entries})
}

func (s *HTTPServer) handleListHabits(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	habits, err := s.qs.ListHabits(r.Context(), userID)
	if err != nil {
		log.Printf("ERROR: list habits %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"habits": habits})
}

func (s *HTTPServer) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		writeError(w, http.StatusBadRequest, "asset query parameter is required")
		return
	}

	balance, err := s.qs.GetBalance(r.Context(), userID, asset)
	if err != nil {
		log.Printf("ERROR: get balance %s %s: %v", userID, asset, err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *HTTPServer) handleJournalHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	limit, afterSeq, ok := pageParams(w, r, 100, 500)
	if !ok {
		return
	}

	entries, err := s.qs.GetJournalHistory(r.Context(), userID, limit, afterSeq)
	if err != nil {
		log.Printf("ERROR: journal history %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"journals": entries})
}

func (s *HTTPServer) handleGetVault(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	vault, err := s.qs.GetVault(r.Context(), asset)
	if err != nil {
		log.Printf("ERROR: get vault %s: %v", asset, err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, vault)
}

// handleCommandStatus closes the async loop: commands are accepted with
// 202 and settled by the core later, so clients poll here to learn
// whether theirs was applied or rejected. 404 means the command has not
// reached the event log yet (or never existed).
func (s *HTTPServer) handleCommandStatus(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")
	if _, err := uuid.Parse(commandID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid command id")
		return
	}
	status, err := s.qs.GetCommandStatus(r.Context(), commandID)
	if err != nil {
		log.Printf("ERROR: command status %s: %v", commandID, err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if status == nil {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- operator handlers ---

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.qs.VerifyIntegrity(r.Context())
	if err != nil {
		log.Printf("ERROR: verify integrity: %v", err)
		writeError(w, http.StatusInternalServerError, "integrity check failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type custodyActionRequest struct {
	WithdrawalID string `json:"withdrawal_id"`
	UserID       string `json:"user_id"`
	Asset        string `json:"asset"`
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason"`
}

func (s *HTTPServer) handleConfirmWithdrawal(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCustodyAction(w, r)
	if !ok {
		return
	}
	seq, err := s.admin.InjectWithdrawalConfirm(r.Context(), req.withdrawalID, req.userID, req.asset, req.amount)
	if err != nil {
		log.Printf("ERROR: confirm withdrawal: %v", err)
		writeError(w, http.StatusServiceUnavailable, "confirmation could not be accepted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"withdrawal_id": req.withdrawalID.String(),
		"sequence":      seq,
	})
}

func (s *HTTPServer) handleRejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCustodyAction(w, r)
	if !ok {
		return
	}
	seq, err := s.admin.InjectWithdrawalReject(r.Context(), req.withdrawalID, req.userID, req.asset, req.amount, req.reason)
	if err != nil {
		log.Printf("ERROR: reject withdrawal: %v", err)
		writeError(w, http.StatusServiceUnavailable, "rejection could not be accepted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"withdrawal_id": req.withdrawalID.String(),
		"sequence":      seq,
	})
}

// handleAdminSettle is the operator rescue path for when the keeper is
// behind; it mints its own command ID per call.
func (s *HTTPServer) handleAdminSettle(w http.ResponseWriter, r *http.Request) {
	habitID, ok := habitIDParam(w, r)
	if !ok {
		return
	}
	seq, err := s.admin.InjectForceSettle(r.Context(), habitID)
	if err != nil {
		log.Printf("ERROR: admin settle %d: %v", habitID, err)
		writeError(w, http.StatusServiceUnavailable, "settle could not be accepted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"habit_id": habitID,
		"sequence": seq,
	})
}

type injectPriceRequest struct {
	Feed          string `json:"feed"`
	Price         int64  `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
}

func (s *HTTPServer) handleInjectPrice(w http.ResponseWriter, r *http.Request) {
	var req injectPriceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Feed == "" {
		writeError(w, http.StatusBadRequest, "feed is required")
		return
	}
	if req.Price <= 0 {
		writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}
	if req.PriceSequence <= 0 {
		writeError(w, http.StatusBadRequest, "price_sequence is required")
		return
	}

	if err := s.admin.InjectPrice(r.Context(), req.Feed, req.Price, req.PriceSequence); err != nil {
		log.Printf("ERROR: inject price %s: %v", req.Feed, err)
		writeError(w, http.StatusServiceUnavailable, "price could not be accepted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"feed":           req.Feed,
		"price_sequence": req.PriceSequence,
	})
}

// --- helpers ---

// submit hands a command to the gateway and answers 202 with its
// assigned sequence. A failure here means NATS did not take the message;
// the caller may retry with the same command ID.
func (s *HTTPServer) submit(w http.ResponseWriter, r *http.Request, evt event.Event, idField, id string) {
	seq, err := s.gateway.Submit(r.Context(), evt)
	if err != nil {
		log.Printf("ERROR: submit %s: %v", evt.EventType(), err)
		writeError(w, http.StatusServiceUnavailable, "command could not be accepted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		idField:    id,
		"sequence": seq,
	})
}

// instrument wraps a query handler with request/latency/error metrics.
func (s *HTTPServer) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			h(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		h(ww, r)

		status := strconv.Itoa(ww.Status())
		s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if ww.Status() >= 500 {
			s.metrics.QueryErrors.WithLabelValues(endpoint, status).Inc()
		}
	}
}

type custodyAction struct {
	withdrawalID uuid.UUID
	userID       uuid.UUID
	asset        string
	amount       int64
	reason       string
}

func decodeCustodyAction(w http.ResponseWriter, r *http.Request) (custodyAction, bool) {
	var req custodyActionRequest
	if !decodeJSON(w, r, &req) {
		return custodyAction{}, false
	}
	withdrawalID, err := uuid.Parse(req.WithdrawalID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid withdrawal_id")
		return custodyAction{}, false
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return custodyAction{}, false
	}
	if req.Asset == "" {
		writeError(w, http.StatusBadRequest, "asset is required")
		return custodyAction{}, false
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return custodyAction{}, false
	}
	return custodyAction{
		withdrawalID: withdrawalID,
		userID:       userID,
		asset:        req.Asset,
		amount:       req.Amount,
		reason:       req.Reason,
	}, true
}

func habitIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "habitID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid habit id")
		return 0, false
	}
	return id, true
}

func userIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, false
	}
	return id, true
}

// pageParams reads limit and after_sequence query parameters for
// cursor-paginated list endpoints.
func pageParams(w http.ResponseWriter, r *http.Request, defaultLimit, maxLimit int) (int, *int64, bool) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return 0, nil, false
		}
		if n > maxLimit {
			n = maxLimit
		}
		limit = n
	}

	var afterSeq *int64
	if raw := r.URL.Query().Get("after_sequence"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid after_sequence")
			return 0, nil, false
		}
		afterSeq = &n
	}

	return limit, afterSeq, true
}

// commandID parses a client-supplied command ID or mints a fresh one.
// Clients that retry should supply their own so the retry dedups.
func commandID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(raw)
}

func parseCommitment(s string) ([32]byte, error) {
	var out [32]byte
	if s == "" {
		return out, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("commitment_hash is not hex")
	}
	if len(b) != 32 {
		return out, fmt.Errorf("commitment_hash must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// decodeJSON parses the request body into v, answering 400 itself on
// malformed input. Returns false when the handler should bail out.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
