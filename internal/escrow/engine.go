package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"floorescrow/internal/oracle"
)

const (
	defaultOracleTimeout = 5 * time.Second
	defaultLockTTL       = 30 * time.Second
)

// Config tunes engine policy. The zero value enforces future expiries, skips
// asset verification and models no profit increment.
type Config struct {
	// ProfitBps is the extra share of the collateral, in basis points, that
	// the counterparty locks on acceptance.
	ProfitBps uint32
	// AllowPastExpiry disables the future-expiry check at initialize.
	AllowPastExpiry bool
	// VerifyAssets consults the oracle's Verifier, when it has one, before
	// collateral is locked.
	VerifyAssets bool
	// OracleTimeout bounds the settlement oracle query.
	OracleTimeout time.Duration
	// LockTTL bounds how long a distributed record lock may be held.
	LockTTL time.Duration
}

// InitializeRequest carries the creator's terms.
type InitializeRequest struct {
	Creator        Identity
	Label          string
	AssetID        string
	PredictedValue uint64
	ExpiryTime     int64
	Collateral     uint64
}

// Settlement describes a completed payout.
type Settlement struct {
	ID            common.Hash
	Winner        Identity
	Side          Side
	Outcome       Outcome
	ObservedValue uint64
	Payout        uint64
	Refund        uint64
	SettledAt     int64
}

// Engine runs the escrow state machine against a State. Every transition
// holds the record lock for its whole duration and commits its writes in a
// single State transaction.
type Engine struct {
	state  State
	oracle oracle.PriceOracle
	locker Locker
	cfg    Config
	logger *slog.Logger
	nowFn  func() int64
}

func NewEngine(state State, priceOracle oracle.PriceOracle, cfg Config) *Engine {
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = defaultOracleTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &Engine{
		state:  state,
		oracle: priceOracle,
		locker: NewLocalLocker(),
		cfg:    cfg,
		logger: slog.Default(),
		nowFn:  func() int64 { return time.Now().Unix() },
	}
}

// SetLocker replaces the in-process locker, e.g. with a distributed one when
// several engine instances share a ledger.
func (e *Engine) SetLocker(l Locker) {
	if l == nil {
		l = NewLocalLocker()
	}
	e.locker = l
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetNowFunc overrides the clock. Intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	e.nowFn = now
}

func (e *Engine) now() int64 { return e.nowFn() }

func (e *Engine) withRecordLock(ctx context.Context, id common.Hash, fn func() error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	unlock, err := e.locker.Acquire(ctx, "escrow:"+id.Hex(), e.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrRecordBusy) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrRecordBusy, err)
	}
	defer unlock()
	return fn()
}

// Initialize creates a record for the creator and locks their collateral in
// the same commit.
func (e *Engine) Initialize(ctx context.Context, req InitializeRequest) (*Record, error) {
	req.AssetID = strings.TrimSpace(req.AssetID)
	if err := e.validateInitialize(req); err != nil {
		return nil, err
	}
	if err := e.verifyAsset(ctx, req.AssetID); err != nil {
		return nil, err
	}

	id := DeriveID(req.Creator, req.Label)
	rec := &Record{
		ID:             id,
		Creator:        req.Creator,
		AssetID:        req.AssetID,
		PredictedValue: req.PredictedValue,
		ExpiryTime:     req.ExpiryTime,
		Collateral:     req.Collateral,
		Initialized:    true,
	}

	err := e.withRecordLock(ctx, id, func() error {
		return e.state.Atomically(ctx, func(tx Tx) error {
			existing, found, err := tx.GetEscrow(ctx, id)
			if err != nil {
				return err
			}
			if found && !existing.Settled {
				return ErrDuplicateEscrow
			}
			if err := debit(ctx, tx, req.Creator, req.Collateral); err != nil {
				return err
			}
			return tx.PutEscrow(ctx, rec)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("initialize %s: %w", id.Hex(), err)
	}

	e.logger.InfoContext(ctx, "escrow initialized",
		slog.String("escrow_id", id.Hex()),
		slog.String("creator", req.Creator.Hex()),
		slog.String("asset_id", req.AssetID),
		slog.Uint64("predicted_value", req.PredictedValue),
		slog.Int64("expiry_time", req.ExpiryTime),
		slog.Uint64("collateral", req.Collateral),
	)
	return rec.Clone(), nil
}

func (e *Engine) validateInitialize(req InitializeRequest) error {
	if req.Creator.IsZero() {
		return fmt.Errorf("%w: creator required", ErrInvalidArgument)
	}
	if req.AssetID == "" {
		return fmt.Errorf("%w: asset id required", ErrInvalidArgument)
	}
	if len(req.AssetID) > MaxAssetIDLength {
		return fmt.Errorf("%w: asset id longer than %d bytes", ErrInvalidArgument, MaxAssetIDLength)
	}
	if req.Collateral == 0 {
		return fmt.Errorf("%w: collateral must be positive", ErrInvalidArgument)
	}
	if !e.cfg.AllowPastExpiry && req.ExpiryTime <= e.now() {
		return fmt.Errorf("%w: expiry must be in the future", ErrInvalidArgument)
	}
	return nil
}

func (e *Engine) verifyAsset(ctx context.Context, assetID string) error {
	if !e.cfg.VerifyAssets {
		return nil
	}
	verifier, ok := e.oracle.(oracle.Verifier)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	defer cancel()

	valid, err := verifier.AuthorityValid(ctx)
	if err != nil {
		return asOracleError(err)
	}
	if !valid {
		return fmt.Errorf("%w: authority not valid", ErrOracleUnavailable)
	}
	exists, err := verifier.VerifyAssetExists(ctx, assetID)
	if err != nil {
		return asOracleError(err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	return nil
}

// Accept binds the counterparty and locks their stake.
func (e *Engine) Accept(ctx context.Context, counterparty Identity, id common.Hash) (*Record, error) {
	if counterparty.IsZero() {
		return nil, fmt.Errorf("%w: counterparty required", ErrInvalidArgument)
	}
	var accepted *Record
	err := e.withRecordLock(ctx, id, func() error {
		now := e.now()
		return e.state.Atomically(ctx, func(tx Tx) error {
			rec, found, err := tx.GetEscrow(ctx, id)
			if err != nil {
				return err
			}
			if err := checkAccept(rec, found, counterparty, now); err != nil {
				return err
			}
			profit, err := profitFor(rec.Collateral, e.cfg.ProfitBps)
			if err != nil {
				return err
			}
			stake, err := addAmounts(rec.Collateral, profit)
			if err != nil {
				return err
			}
			if err := debit(ctx, tx, counterparty, stake); err != nil {
				return err
			}
			cp := counterparty
			rec.Counterparty = &cp
			rec.Profit = profit
			if _, err := rec.HeldBalance(); err != nil {
				return err
			}
			if err := tx.PutEscrow(ctx, rec); err != nil {
				return err
			}
			accepted = rec
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("accept %s: %w", id.Hex(), err)
	}

	e.logger.InfoContext(ctx, "escrow accepted",
		slog.String("escrow_id", id.Hex()),
		slog.String("counterparty", counterparty.Hex()),
		slog.Uint64("profit", accepted.Profit),
	)
	return accepted.Clone(), nil
}

func checkAccept(rec *Record, found bool, counterparty Identity, now int64) error {
	if found && rec.Settled {
		return ErrAlreadySettled
	}
	if !found || !rec.Initialized {
		return ErrNotInitialized
	}
	if rec.Counterparty != nil {
		return ErrAlreadyAccepted
	}
	if now >= rec.ExpiryTime {
		return ErrExpired
	}
	if counterparty == rec.Creator {
		return ErrSelfAccept
	}
	return nil
}

// Settle queries the oracle, picks the winner and pays out the whole held
// balance. Anyone may settle; caller is only recorded in logs.
func (e *Engine) Settle(ctx context.Context, id common.Hash, caller Identity) (*Settlement, error) {
	var result *Settlement
	err := e.withRecordLock(ctx, id, func() error {
		now := e.now()
		rec, found, err := e.load(ctx, id)
		if err != nil {
			return err
		}
		if err := checkSettle(rec, found, now); err != nil {
			return err
		}

		observed, err := e.observe(ctx, rec.AssetID)
		if err != nil {
			return err
		}

		return e.state.Atomically(ctx, func(tx Tx) error {
			rec, found, err := tx.GetEscrow(ctx, id)
			if err != nil {
				return err
			}
			if err := checkSettle(rec, found, now); err != nil {
				return err
			}
			dist, err := Distribute(rec, observed)
			if err != nil {
				return err
			}
			if err := credit(ctx, tx, dist.Winner, dist.Payout); err != nil {
				return err
			}
			if dist.Refund > 0 {
				if err := credit(ctx, tx, *rec.Counterparty, dist.Refund); err != nil {
					return err
				}
			}
			winner := dist.Winner
			rec.Winner = &winner
			rec.ObservedValue = observed
			rec.Settled = true
			if err := tx.PutEscrow(ctx, rec); err != nil {
				return err
			}
			result = &Settlement{
				ID:            id,
				Winner:        dist.Winner,
				Side:          dist.Outcome.Winner(),
				Outcome:       dist.Outcome,
				ObservedValue: observed,
				Payout:        dist.Payout,
				Refund:        dist.Refund,
				SettledAt:     now,
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("settle %s: %w", id.Hex(), err)
	}

	e.logger.InfoContext(ctx, "escrow settled",
		slog.String("escrow_id", id.Hex()),
		slog.String("caller", caller.Hex()),
		slog.String("winner", result.Winner.Hex()),
		slog.String("side", result.Side.String()),
		slog.String("outcome", result.Outcome.String()),
		slog.Uint64("observed_value", result.ObservedValue),
		slog.Uint64("payout", result.Payout),
		slog.Uint64("refund", result.Refund),
	)
	return result, nil
}

func checkSettle(rec *Record, found bool, now int64) error {
	if found && rec.Settled {
		return ErrAlreadySettled
	}
	if !found || !rec.Initialized {
		return ErrNotInitialized
	}
	if rec.Counterparty == nil {
		return ErrNoCounterparty
	}
	if now < rec.ExpiryTime {
		return ErrNotExpiredYet
	}
	return nil
}

func (e *Engine) observe(ctx context.Context, assetID string) (uint64, error) {
	if e.oracle == nil {
		return 0, fmt.Errorf("%w: no oracle configured", ErrOracleUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	defer cancel()
	value, err := e.oracle.ObservedValue(ctx, assetID)
	if err != nil {
		return 0, asOracleError(err)
	}
	return value, nil
}

func asOracleError(err error) error {
	if errors.Is(err, ErrOracleUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
}

func (e *Engine) load(ctx context.Context, id common.Hash) (*Record, bool, error) {
	var (
		rec   *Record
		found bool
	)
	err := e.state.Atomically(ctx, func(tx Tx) error {
		var err error
		rec, found, err = tx.GetEscrow(ctx, id)
		return err
	})
	return rec, found, err
}

// Get returns the record stored under id.
func (e *Engine) Get(ctx context.Context, id common.Hash) (*Record, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	rec, found, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotInitialized
	}
	return rec, nil
}

// Balance returns the spendable balance of who.
func (e *Engine) Balance(ctx context.Context, who Identity) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	var amount uint64
	err := e.state.Atomically(ctx, func(tx Tx) error {
		var err error
		amount, err = tx.Balance(ctx, who)
		return err
	})
	return amount, err
}

// Deposit credits spendable balance. It is the operator funding path; key and
// wallet custody live outside the engine.
func (e *Engine) Deposit(ctx context.Context, who Identity, amount uint64) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if who.IsZero() {
		return 0, fmt.Errorf("%w: account required", ErrInvalidArgument)
	}
	if amount == 0 {
		return 0, fmt.Errorf("%w: deposit must be positive", ErrInvalidArgument)
	}
	var balance uint64
	err := e.state.Atomically(ctx, func(tx Tx) error {
		if err := credit(ctx, tx, who, amount); err != nil {
			return err
		}
		var err error
		balance, err = tx.Balance(ctx, who)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("deposit %s: %w", who.Hex(), err)
	}
	return balance, nil
}

func debit(ctx context.Context, tx Tx, who Identity, amount uint64) error {
	balance, err := tx.Balance(ctx, who)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, who.Hex(), balance, amount)
	}
	return tx.SetBalance(ctx, who, balance-amount)
}

func credit(ctx context.Context, tx Tx, who Identity, amount uint64) error {
	if amount == 0 {
		return nil
	}
	balance, err := tx.Balance(ctx, who)
	if err != nil {
		return err
	}
	next, err := addAmounts(balance, amount)
	if err != nil {
		return err
	}
	return tx.SetBalance(ctx, who, next)
}
