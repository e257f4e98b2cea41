package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"floorescrow/internal/config"
	"floorescrow/internal/escrow"
	"floorescrow/internal/hmacauth"
	"floorescrow/internal/idempotency"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	headerRequestID      = "X-Request-Id"

	// reservationTTL bounds how long a key stays pending if the process dies
	// mid-request.
	reservationTTL = 2 * time.Minute
)

// EscrowService is the engine surface exposed over HTTP.
type EscrowService interface {
	Initialize(ctx context.Context, req escrow.InitializeRequest) (*escrow.Record, error)
	Accept(ctx context.Context, counterparty escrow.Identity, id common.Hash) (*escrow.Record, error)
	Settle(ctx context.Context, id common.Hash, caller escrow.Identity) (*escrow.Settlement, error)
	Get(ctx context.Context, id common.Hash) (*escrow.Record, error)
	Balance(ctx context.Context, who escrow.Identity) (uint64, error)
	Deposit(ctx context.Context, who escrow.Identity, amount uint64) (uint64, error)
}

type Server struct {
	cfg            *config.AppConfig
	escrow         EscrowService
	store          idempotency.Store
	hmac           *hmacauth.Verifier
	httpServer     *http.Server
	metrics        *Metrics
	logger         *slog.Logger
	ledgerHealthFn func(context.Context) error
	oracleHealthFn func(context.Context) error
	now            func() time.Time
}

func NewServer(cfg *config.AppConfig, svc EscrowService, store idempotency.Store, metrics *Metrics, logger *slog.Logger) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		escrow: svc,
		store:  store,
		hmac: &hmacauth.Verifier{
			Secret:        cfg.Service.HMACSecret,
			AllowUnsigned: cfg.Service.AllowUnsigned,
			MaxSkew:       cfg.Service.HMACClockSkew(),
		},
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// SetLedgerHealth installs the ledger probe reported by /api/v1/health.
func (s *Server) SetLedgerHealth(fn func(context.Context) error) { s.ledgerHealthFn = fn }

// SetOracleHealth installs the oracle probe reported by /api/v1/health.
func (s *Server) SetOracleHealth(fn func(context.Context) error) { s.oracleHealthFn = fn }

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.logMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Method(http.MethodGet, "/metrics", s.metrics.handler())

		api.Group(func(signed chi.Router) {
			signed.Use(s.hmac.Middleware)
			signed.Post("/escrows", s.handleInitialize)
			signed.Get("/escrows/{id}", s.handleGetEscrow)
			signed.Post("/escrows/{id}/accept", s.handleAccept)
			signed.Post("/escrows/{id}/settle", s.handleSettle)
			signed.Get("/accounts/{identity}", s.handleBalance)
			signed.Post("/accounts/{identity}/deposit", s.handleDeposit)
		})
	})
	return r
}

func (s *Server) Start() error {
	s.logger.Info("API listening", slog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type initializeRequest struct {
	Creator        escrow.Identity `json:"creator"`
	Label          string          `json:"label"`
	AssetID        string          `json:"assetId"`
	PredictedValue uint64          `json:"predictedValue,string"`
	ExpiryTime     int64           `json:"expiryTime"`
	Collateral     uint64          `json:"collateral,string"`
}

type acceptRequest struct {
	Counterparty escrow.Identity `json:"counterparty"`
}

type settleRequest struct {
	Caller escrow.Identity `json:"caller"`
}

type depositRequest struct {
	Amount uint64 `json:"amount,string"`
}

type escrowResponse struct {
	ID             string           `json:"id"`
	Creator        escrow.Identity  `json:"creator"`
	Counterparty   *escrow.Identity `json:"counterparty"`
	AssetID        string           `json:"assetId"`
	PredictedValue uint64           `json:"predictedValue,string"`
	ExpiryTime     int64            `json:"expiryTime"`
	Collateral     uint64           `json:"collateral,string"`
	Profit         uint64           `json:"profit,string"`
	HeldBalance    uint64           `json:"heldBalance,string"`
	Accepted       bool             `json:"accepted"`
	Settled        bool             `json:"settled"`
	Winner         *escrow.Identity `json:"winner,omitempty"`
	ObservedValue  *uint64          `json:"observedValue,omitempty,string"`
}

type settlementResponse struct {
	ID            string          `json:"id"`
	Winner        escrow.Identity `json:"winner"`
	Side          string          `json:"side"`
	Outcome       string          `json:"outcome"`
	ObservedValue uint64          `json:"observedValue,string"`
	Payout        uint64          `json:"payout,string"`
	Refund        uint64          `json:"refund,string"`
	SettledAt     int64           `json:"settledAt"`
}

type balanceResponse struct {
	Identity escrow.Identity `json:"identity"`
	Balance  uint64          `json:"balance,string"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

func toEscrowResponse(rec *escrow.Record) (escrowResponse, error) {
	held, err := rec.HeldBalance()
	if err != nil {
		return escrowResponse{}, err
	}
	resp := escrowResponse{
		ID:             rec.ID.Hex(),
		Creator:        rec.Creator,
		Counterparty:   rec.Counterparty,
		AssetID:        rec.AssetID,
		PredictedValue: rec.PredictedValue,
		ExpiryTime:     rec.ExpiryTime,
		Collateral:     rec.Collateral,
		Profit:         rec.Profit,
		HeldBalance:    held,
		Accepted:       rec.Accepted(),
		Settled:        rec.Settled,
		Winner:         rec.Winner,
	}
	if rec.Settled {
		observed := rec.ObservedValue
		resp.ObservedValue = &observed
	}
	return resp, nil
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return
	}
	s.idempotent(w, r, "initialize", key, func(body []byte) (int, any, error) {
		var payload initializeRequest
		if err := decodeJSON(body, &payload); err != nil {
			return 0, nil, err
		}
		rec, err := s.escrow.Initialize(r.Context(), escrow.InitializeRequest{
			Creator:        payload.Creator,
			Label:          payload.Label,
			AssetID:        payload.AssetID,
			PredictedValue: payload.PredictedValue,
			ExpiryTime:     payload.ExpiryTime,
			Collateral:     payload.Collateral,
		})
		if err != nil {
			return 0, nil, err
		}
		resp, err := toEscrowResponse(rec)
		return http.StatusCreated, resp, err
	})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	s.idempotent(w, r, "accept", key, func(body []byte) (int, any, error) {
		var payload acceptRequest
		if err := decodeJSON(body, &payload); err != nil {
			return 0, nil, err
		}
		rec, err := s.escrow.Accept(r.Context(), payload.Counterparty, id)
		if err != nil {
			return 0, nil, err
		}
		resp, err := toEscrowResponse(rec)
		return http.StatusOK, resp, err
	})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	s.idempotent(w, r, "settle", key, func(body []byte) (int, any, error) {
		var payload settleRequest
		if len(bytes.TrimSpace(body)) > 0 {
			if err := decodeJSON(body, &payload); err != nil {
				return 0, nil, err
			}
		}
		st, err := s.escrow.Settle(r.Context(), id, payload.Caller)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, settlementResponse{
			ID:            st.ID.Hex(),
			Winner:        st.Winner,
			Side:          st.Side.String(),
			Outcome:       st.Outcome.String(),
			ObservedValue: st.ObservedValue,
			Payout:        st.Payout,
			Refund:        st.Refund,
			SettledAt:     st.SettledAt,
		}, nil
	})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.escrowID(w, r)
	if !ok {
		return
	}
	rec, err := s.escrow.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := toEscrowResponse(rec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	who, ok := s.identityParam(w, r)
	if !ok {
		return
	}
	balance, err := s.escrow.Balance(r.Context(), who)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Identity: who, Balance: balance})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	who, ok := s.identityParam(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	s.idempotent(w, r, "deposit", key, func(body []byte) (int, any, error) {
		var payload depositRequest
		if err := decodeJSON(body, &payload); err != nil {
			return 0, nil, err
		}
		balance, err := s.escrow.Deposit(r.Context(), who, payload.Amount)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, balanceResponse{Identity: who, Balance: balance}, nil
	})
}

// idempotent runs fn once per key within the idempotency window and replays
// the stored response afterwards. An empty key runs fn unconditionally.
// The key is reserved before fn runs, so a concurrent request with the same
// key gets 409 instead of a second execution. Failed calls release the
// reservation since they leave state unchanged.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, op, key string, fn func(body []byte) (int, any, error)) {
	ctx := r.Context()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)
	scoped := idempotency.ScopedKey(op, key)

	reserved := false
	if key != "" {
		existing, err := s.store.Get(ctx, scoped)
		if err != nil {
			s.logger.WarnContext(ctx, "idempotency lookup failed", slog.String("op", op), slog.String("error", err.Error()))
		}
		if existing != nil {
			s.replay(w, op, fingerprint, existing)
			return
		}

		now := s.now()
		reserved, err = s.store.Reserve(ctx, scoped, idempotency.Record{
			RequestHash: fingerprint,
			CreatedAt:   now,
			ExpiresAt:   now.Add(reservationTTL),
		})
		if err != nil {
			s.writeError(w, fmt.Errorf("reserve idempotency key: %w", err))
			return
		}
		if !reserved {
			if existing, _ := s.store.Get(ctx, scoped); existing != nil {
				s.replay(w, op, fingerprint, existing)
				return
			}
			http.Error(w, "request with this idempotency key is in progress", http.StatusConflict)
			return
		}
	}

	status, resp, err := fn(body)
	if err == nil {
		var b []byte
		if b, err = json.Marshal(resp); err == nil {
			s.complete(ctx, op, key, scoped, fingerprint, status, b)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write(b)
			s.metrics.incTransition(op, "ok")
			return
		}
	}

	if reserved {
		if rerr := s.store.Release(context.WithoutCancel(ctx), scoped); rerr != nil {
			s.logger.WarnContext(ctx, "idempotency release failed", slog.String("op", op), slog.String("error", rerr.Error()))
		}
	}
	s.metrics.incTransition(op, resultLabel(err))
	s.writeError(w, err)
}

func (s *Server) complete(ctx context.Context, op, key, scoped, fingerprint string, status int, body []byte) {
	if key == "" {
		return
	}
	now := s.now()
	record := idempotency.Record{
		RequestHash: fingerprint,
		StatusCode:  status,
		Response:    body,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow()),
	}
	if err := s.store.Save(context.WithoutCancel(ctx), scoped, record); err != nil {
		s.logger.WarnContext(ctx, "idempotency save failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}

func (s *Server) replay(w http.ResponseWriter, op, fingerprint string, existing *idempotency.Record) {
	if existing.RequestHash != fingerprint {
		http.Error(w, "idempotency key reused with a different request", http.StatusUnprocessableEntity)
		return
	}
	if existing.Pending() {
		http.Error(w, "request with this idempotency key is in progress", http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerReplayed, "true")
	w.WriteHeader(existing.StatusCode)
	_, _ = w.Write(existing.Response)
	s.metrics.incReplay(op)
}

func (s *Server) escrowID(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	id, err := escrow.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return common.Hash{}, false
	}
	return id, true
}

func (s *Server) identityParam(w http.ResponseWriter, r *http.Request) (escrow.Identity, bool) {
	who, err := escrow.ParseIdentity(chi.URLParam(r, "identity"))
	if err != nil {
		s.writeError(w, err)
		return escrow.Identity{}, false
	}
	return who, true
}

var errBadJSON = errors.New("invalid json payload")

func decodeJSON(body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errBadJSON
	}
	return nil
}

// statusFor maps engine error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadJSON):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrNotInitialized):
		return http.StatusNotFound
	}
	switch escrow.KindOf(err) {
	case escrow.KindState:
		return http.StatusConflict
	case escrow.KindResource:
		return http.StatusUnprocessableEntity
	case escrow.KindExternal:
		return http.StatusServiceUnavailable
	case escrow.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func resultLabel(err error) string {
	if errors.Is(err, errBadJSON) {
		return "validation"
	}
	return escrow.KindOf(err).String()
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("error", msg))
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Kind:      resultLabel(err),
		Retryable: escrow.IsRetryable(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type probeResult struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func probe(ctx context.Context, fn func(context.Context) error) probeResult {
	if fn == nil {
		return probeResult{Connected: true}
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		return probeResult{Error: err.Error()}
	}
	return probeResult{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	oracleInfo := probe(ctx, s.oracleHealthFn)
	ledgerInfo := probe(ctx, s.ledgerHealthFn)

	status := "healthy"
	code := http.StatusOK
	if !oracleInfo.Connected || !ledgerInfo.Connected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status string      `json:"status"`
		Oracle probeResult `json:"oracle"`
		Ledger probeResult `json:"ledger"`
	}{status, oracleInfo, ledgerInfo})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			slog.String("request_id", r.Header.Get(headerRequestID)),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
