package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"CDPLedger/internal/borrow"
	"CDPLedger/internal/core"
	"CDPLedger/internal/host"
	"CDPLedger/internal/ingestion"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/pool"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/query"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const (
	maxBodyBytes     = 1 << 16
	defaultPageSize  = 100
	maxPageSize      = 1000
	adminTokenHeader = "X-Admin-Token"
)

var errBadRequest = errors.New("bad request")

// APIDeps holds everything the HTTP API serves from. Only Host is required;
// routes whose dependency is nil answer 503.
type APIDeps struct {
	Host       *host.Host
	Ingest     *ingestion.ManualIngestService
	Events     *persistence.EventLogWriter
	Query      *query.QueryService
	Snapshots  host.SnapshotStore
	DB         *sql.DB
	Metrics    *observability.Metrics
	AdminToken string
}

// API maps HTTP routes onto the host
type API struct {
	deps   APIDeps
	logger zerolog.Logger
}

func NewAPI(deps APIDeps) *API {
	return &API{deps: deps, logger: observability.NewLogger("api")}
}

type route struct {
	method  string
	pattern string
	name    string
	handler runtime.HandlerFunc
}

// Register adds every route to mux
func (a *API) Register(mux *runtime.ServeMux) error {
	routes := []route{
		{"GET", "/v1/system", "system", a.getSystem},
		{"GET", "/v1/positions/{owner}", "get_position", a.getPosition},
		{"POST", "/v1/positions", "open_position", a.openPosition},
		{"POST", "/v1/positions/{owner}/adjust", "adjust_position", a.adjustPosition},
		{"POST", "/v1/positions/{owner}/close", "close_position", a.closePosition},
		{"POST", "/v1/positions/{owner}/liquidate", "liquidate", a.liquidate},
		{"POST", "/v1/liquidations", "liquidate_positions", a.liquidatePositions},
		{"POST", "/v1/redemptions", "redeem", a.redeem},
		{"GET", "/v1/redemptions/hints", "redemption_hints", a.redemptionHints},
		{"POST", "/v1/deposits/{owner}", "deposit", a.deposit},
		{"POST", "/v1/withdrawals/{owner}", "withdraw", a.withdraw},
		{"POST", "/v1/stability/{owner}", "provide", a.provide},
		{"POST", "/v1/prices", "inject_price", a.admin(a.injectPrice)},
		{"GET", "/v1/events", "events", a.listEvents},
		{"GET", "/v1/accounts/{owner}/balances", "balances", a.accountBalances},
		{"GET", "/v1/accounts/{owner}/journal", "journal", a.journalHistory},
		{"GET", "/v1/admin/integrity", "verify_integrity", a.admin(a.verifyIntegrity)},
		{"POST", "/v1/admin/snapshot", "take_snapshot", a.admin(a.takeSnapshot)},
		{"POST", "/v1/admin/projections/rebuild", "rebuild_projections", a.admin(a.rebuildProjections)},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, a.instrument(r.name, r.handler)); err != nil {
			return fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

// --- Reads ---

func (a *API) getSystem(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, newSystemView(a.deps.Host.System()))
}

func (a *API) getPosition(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	owner, ok := pathID(w, params)
	if !ok {
		return
	}
	p := a.deps.Host.Position(owner)
	if p.Position.Status == state.StatusNonExistent {
		writeError(w, http.StatusNotFound, fmt.Errorf("no position for %s", owner))
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(owner, p))
}

func (a *API) redemptionHints(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	amount, err := fpmath.ParseAmount(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maxIter, err := queryInt(r, "max_iterations", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	hints, err := a.deps.Host.RedemptionHints(amount, int(maxIter))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newHintsView(hints))
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event log not configured"))
		return
	}
	from, err := queryInt(r, "from", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := pageSize(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := a.deps.Events.LoadEventsFrom(r.Context(), from, limit)
	if err != nil {
		a.writeInternal(w, "load events", err)
		return
	}
	out := make([]eventView, 0, len(rows))
	for _, e := range rows {
		out = append(out, newEventView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (a *API) accountBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if a.deps.Query == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("query service not configured"))
		return
	}
	owner, ok := pathID(w, params)
	if !ok {
		return
	}
	balances, err := a.deps.Query.AccountBalances(r.Context(), owner)
	if err != nil {
		a.writeInternal(w, "account balances", err)
		return
	}
	if balances == nil {
		balances = []query.BalanceResponse{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": balances})
}

func (a *API) journalHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if a.deps.Query == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("query service not configured"))
		return
	}
	owner, ok := pathID(w, params)
	if !ok {
		return
	}
	limit, err := pageSize(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var before *int64
	if r.URL.Query().Has("before") {
		seq, err := queryInt(r, "before", 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		before = &seq
	}

	entries, err := a.deps.Query.JournalHistory(r.Context(), owner, limit, before)
	if err != nil {
		a.writeInternal(w, "journal history", err)
		return
	}
	if entries == nil {
		entries = []query.JournalHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"journals": entries})
}

// --- Borrower operations ---

type amountRequest struct {
	Amount string `json:"amount"`
}

type openRequest struct {
	Owner uuid.UUID `json:"owner"`
	Coll  string    `json:"coll"`
	Debt  string    `json:"debt"`
}

type adjustRequest struct {
	CollIncrease string `json:"coll_increase,omitempty"`
	CollDecrease string `json:"coll_decrease,omitempty"`
	DebtIncrease string `json:"debt_increase,omitempty"`
	DebtDecrease string `json:"debt_decrease,omitempty"`
}

func (a *API) openPosition(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req openRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Owner == uuid.Nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: owner is required", errBadRequest))
		return
	}
	coll, err := fpmath.ParseAmount(req.Coll)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	debt, err := fpmath.ParseAmount(req.Debt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.deps.Host.OpenPosition(req.Owner, coll, debt); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPositionView(req.Owner, a.deps.Host.Position(req.Owner)))
}

func (a *API) adjustPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, ok := pathID(w, params)
	if !ok {
		return
	}
	var req adjustRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var adj borrow.Adjustment
	fields := []struct {
		raw string
		dst **uint256.Int
	}{
		{req.CollIncrease, &adj.CollIncrease},
		{req.CollDecrease, &adj.CollDecrease},
		{req.DebtIncrease, &adj.DebtIncrease},
		{req.DebtDecrease, &adj.DebtDecrease},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := fpmath.ParseAmount(f.raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		*f.dst = v
	}

	if err := a.deps.Host.AdjustPosition(owner, adj); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(owner, a.deps.Host.Position(owner)))
}

func (a *API) closePosition(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	owner, ok := pathID(w, params)
	if !ok {
		return
	}
	if err := a.deps.Host.ClosePosition(owner); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(owner, a.deps.Host.Position(owner)))
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	a.walletOp(w, r, params, a.deps.Host.Deposit)
}

func (a *API) withdraw(w http.ResponseWriter, r *http.Request, params map[string]string) {
	a.walletOp(w, r, params, a.deps.Host.Withdraw)
}

func (a *API) provide(w http.ResponseWriter, r *http.Request, params map[string]string) {
	a.walletOp(w, r, params, a.deps.Host.ProvideToStabilityPool)
}

func (a *API) walletOp(w http.ResponseWriter, r *http.Request, params map[string]string, op func(uuid.UUID, *uint256.Int) error) {
	owner, ok := pathID(w, params)
	if !ok {
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := fpmath.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := op(owner, amount); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(owner, a.deps.Host.Position(owner)))
}

// --- Liquidation and redemption ---

type liquidateRequest struct {
	Liquidator uuid.UUID   `json:"liquidator"`
	Count      int         `json:"count,omitempty"`
	Owners     []uuid.UUID `json:"owners,omitempty"`
}

// redeemRequest takes the hints returned by GET /v1/redemptions/hints as
// they were rendered. With none of them set the host computes fresh hints.
type redeemRequest struct {
	Redeemer      uuid.UUID `json:"redeemer"`
	Amount        string    `json:"amount"`
	MaxIterations int       `json:"max_iterations,omitempty"`
	FirstHint     uuid.UUID `json:"first_hint,omitempty"`
	UpperHint     uuid.UUID `json:"upper_hint,omitempty"`
	LowerHint     uuid.UUID `json:"lower_hint,omitempty"`
	PartialNICR   string    `json:"partial_nicr,omitempty"`
}

func (a *API) liquidate(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, ok := pathID(w, params)
	if !ok {
		return
	}
	var req liquidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Liquidator == uuid.Nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: liquidator is required", errBadRequest))
		return
	}

	res, err := a.deps.Host.Liquidate(req.Liquidator, owner)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLiquidationView(res))
}

func (a *API) liquidatePositions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req liquidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch {
	case req.Liquidator == uuid.Nil:
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: liquidator is required", errBadRequest))
		return
	case req.Count > 0 && len(req.Owners) > 0:
		writeError(w, http.StatusBadRequest, ingestion.ErrAmbiguousRequest)
		return
	case req.Count <= 0 && len(req.Owners) == 0:
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: count or owners", ingestion.ErrMissingField))
		return
	}

	var (
		res *core.LiquidationResult
		err error
	)
	if len(req.Owners) > 0 {
		res, err = a.deps.Host.BatchLiquidate(req.Liquidator, req.Owners)
	} else {
		res, err = a.deps.Host.LiquidatePositions(req.Liquidator, req.Count)
	}
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLiquidationView(res))
}

func (a *API) redeem(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req redeemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Redeemer == uuid.Nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: redeemer is required", errBadRequest))
		return
	}
	amount, err := fpmath.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.MaxIterations < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: max_iterations must be non-negative", errBadRequest))
		return
	}

	var res *core.RedemptionResult
	hinted := req.FirstHint != uuid.Nil || req.UpperHint != uuid.Nil || req.LowerHint != uuid.Nil || req.PartialNICR != ""
	if hinted {
		var partial *uint256.Int
		if req.PartialNICR != "" {
			if partial, err = fpmath.ParseNominal(req.PartialNICR); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("%w: partial_nicr: %v", errBadRequest, err))
				return
			}
		}
		res, err = a.deps.Host.RedeemWithHints(core.RedemptionRequest{
			Redeemer:      req.Redeemer,
			Amount:        amount,
			FirstHint:     req.FirstHint,
			UpperHint:     req.UpperHint,
			LowerHint:     req.LowerHint,
			PartialNICR:   partial,
			MaxIterations: req.MaxIterations,
		})
	} else {
		res, err = a.deps.Host.Redeem(req.Redeemer, amount, req.MaxIterations)
	}
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRedemptionView(res))
}

// --- Admin ---

type priceRequest struct {
	Price    string `json:"price"`
	Sequence int64  `json:"sequence,omitempty"`
}

// injectPrice queues the price on the ingest path rather than applying it,
// so it is ordered with broker deliveries.
func (a *API) injectPrice(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.deps.Ingest == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("manual ingest not configured"))
		return
	}
	var req priceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	price, err := fpmath.ParseAmount(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.deps.Ingest.InjectPrice(ctx, price, req.Sequence); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, errors.New("ingest queue full"))
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (a *API) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.deps.Query == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("query service not configured"))
		return
	}
	report, err := a.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		a.writeInternal(w, "verify integrity", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) takeSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.deps.Snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("snapshot store not configured"))
		return
	}
	if err := a.deps.Host.TakeSnapshot(r.Context(), a.deps.Snapshots); err != nil {
		a.writeInternal(w, "take snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sequence": a.deps.Host.Sequence()})
}

func (a *API) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.deps.DB == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("database not configured"))
		return
	}
	if err := projection.RebuildProjections(r.Context(), a.deps.DB); err != nil {
		a.writeInternal(w, "rebuild projections", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

// admin requires the configured token. With no token configured admin
// routes are closed.
func (a *API) admin(next runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		token := r.Header.Get(adminTokenHeader)
		if a.deps.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.deps.AdminToken)) != 1 {
			writeError(w, http.StatusForbidden, errors.New("admin token required"))
			return
		}
		next(w, r, params)
	}
}

// --- Plumbing ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) instrument(name string, next runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r, params)

		if a.deps.Metrics != nil {
			a.deps.Metrics.QueryRequests.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
			a.deps.Metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}

// writeDomainError maps engine and borrower errors onto HTTP statuses.
func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrPositionNotActive), errors.Is(err, state.ErrNotActive):
		status = http.StatusNotFound
	case errors.Is(err, borrow.ErrPositionExists),
		errors.Is(err, core.ErrLastPosition),
		errors.Is(err, borrow.ErrCloseInRecoveryMode),
		errors.Is(err, oracle.ErrStalePrice):
		status = http.StatusConflict
	case errors.Is(err, core.ErrZeroAmount),
		errors.Is(err, core.ErrEmptyList),
		errors.Is(err, borrow.ErrZeroColl),
		errors.Is(err, borrow.ErrZeroDebt),
		errors.Is(err, borrow.ErrNoAdjustment),
		errors.Is(err, borrow.ErrConflictingAdjustment),
		errors.Is(err, oracle.ErrZeroPrice):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNothingToLiquidate),
		errors.Is(err, core.ErrInsufficientStable),
		errors.Is(err, core.ErrTCRBelowMCR),
		errors.Is(err, borrow.ErrICRBelowMCR),
		errors.Is(err, borrow.ErrICRBelowCCR),
		errors.Is(err, borrow.ErrTCRBelowCCR),
		errors.Is(err, borrow.ErrCollWithdrawRecovery),
		errors.Is(err, borrow.ErrICRDecreasedRecovery),
		errors.Is(err, pool.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, oracle.ErrNoPrice):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		a.writeInternal(w, "engine call", err)
		return
	}
	writeError(w, status, err)
}

func (a *API) writeInternal(w http.ResponseWriter, what string, err error) {
	a.logger.Error().Err(err).Str("op", what).Msg("request failed")
	writeError(w, http.StatusInternalServerError, fmt.Errorf("%s failed", what))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error":  err.Error(),
		"status": http.StatusText(status),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, params map[string]string) (uuid.UUID, bool) {
	id, err := uuid.Parse(params["owner"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: owner %q: %v", errBadRequest, params["owner"], err))
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, key)
	}
	return v, nil
}

func pageSize(r *http.Request) (int, error) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		return 0, err
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	return int(limit), nil
}
