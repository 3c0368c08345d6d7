package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SnapshotManager stores and loads engine plus treasury state for restarts.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON document stored in cdp_log.snapshots. Amounts
// are decimal strings of 18-decimal integers.
type SnapshotData struct {
	Sequence         int64                 `json:"sequence"` // next engine sequence
	PrevHash         string                `json:"prev_hash"`
	Params           ParamsSnap            `json:"params"`
	Positions        []PositionSnapshot    `json:"positions"`
	RewardSnapshots  map[string]RewardSnap `json:"reward_snapshots"`
	Rewards          RewardsSnap           `json:"rewards"`
	Stakes           StakesSnap            `json:"stakes"`
	IndexKeys        map[string]string     `json:"index_keys"`
	Balances         []BalanceSnap         `json:"balances"`
	TreasurySequence int64                 `json:"treasury_sequence"`
	CreatedAt        time.Time             `json:"created_at"`
}

type ParamsSnap struct {
	MCR                        string `json:"mcr"`
	CCR                        string `json:"ccr"`
	CollGasCompensationDivisor uint64 `json:"coll_gas_compensation_divisor"`
	MaxCollGasCompensation     string `json:"max_coll_gas_compensation"`
}

type PositionSnapshot struct {
	Owner      string `json:"owner"`
	Debt       string `json:"debt"`
	Coll       string `json:"coll"`
	Stake      string `json:"stake"`
	Status     string `json:"status"`
	OwnerIndex int    `json:"owner_index"`
}

type RewardSnap struct {
	Coll string `json:"coll"`
	Debt string `json:"debt"`
}

type RewardsSnap struct {
	LColl         string `json:"l_coll"`
	LDebt         string `json:"l_debt"`
	LastCollError string `json:"last_coll_error"`
	LastDebtError string `json:"last_debt_error"`
}

type StakesSnap struct {
	Total                   string `json:"total"`
	TotalSnapshot           string `json:"total_snapshot"`
	TotalCollateralSnapshot string `json:"total_collateral_snapshot"`
}

// BalanceSnap is one treasury account; Amount is signed since external
// accounts run negative.
type BalanceSnap struct {
	Scope    ledger.AccountScope   `json:"scope"`
	EntityID string                `json:"entity_id,omitempty"`
	SubType  ledger.AccountSubType `json:"sub_type"`
	AssetID  ledger.AssetID        `json:"asset_id"`
	Amount   string                `json:"amount"`
}

// NewSnapshotData converts engine and treasury state into the stored form
func NewSnapshotData(st core.State, balances map[ledger.AccountKey]*big.Int, treasurySeq int64) *SnapshotData {
	snap := &SnapshotData{
		Sequence: st.Sequence,
		PrevHash: hex.EncodeToString(st.PrevHash[:]),
		Params: ParamsSnap{
			MCR:                        st.Params.MCR.Dec(),
			CCR:                        st.Params.CCR.Dec(),
			CollGasCompensationDivisor: st.Params.CollGasCompensationDivisor,
			MaxCollGasCompensation:     st.Params.MaxCollGasCompensation.Dec(),
		},
		Positions:       make([]PositionSnapshot, 0, len(st.Positions)),
		RewardSnapshots: make(map[string]RewardSnap, len(st.Snapshots)),
		Rewards: RewardsSnap{
			LColl:         st.Rewards.LColl.Dec(),
			LDebt:         st.Rewards.LDebt.Dec(),
			LastCollError: st.Rewards.LastCollError.Dec(),
			LastDebtError: st.Rewards.LastDebtError.Dec(),
		},
		Stakes: StakesSnap{
			Total:                   st.Stakes.Total.Dec(),
			TotalSnapshot:           st.Stakes.TotalSnapshot.Dec(),
			TotalCollateralSnapshot: st.Stakes.TotalCollateralSnapshot.Dec(),
		},
		IndexKeys:        make(map[string]string, len(st.IndexKeys)),
		Balances:         make([]BalanceSnap, 0, len(balances)),
		TreasurySequence: treasurySeq,
		CreatedAt:        time.Now().UTC(),
	}

	for _, p := range st.Positions {
		snap.Positions = append(snap.Positions, PositionSnapshot{
			Owner:      p.Owner.String(),
			Debt:       p.Debt.Dec(),
			Coll:       p.Coll.Dec(),
			Stake:      p.Stake.Dec(),
			Status:     p.Status.String(),
			OwnerIndex: p.OwnerIndex,
		})
	}
	for id, rs := range st.Snapshots {
		snap.RewardSnapshots[id.String()] = RewardSnap{Coll: rs.Coll.Dec(), Debt: rs.Debt.Dec()}
	}
	for id, key := range st.IndexKeys {
		snap.IndexKeys[id.String()] = key.Dec()
	}
	for key, amount := range balances {
		b := BalanceSnap{
			Scope:   key.Scope,
			SubType: key.SubType,
			AssetID: key.AssetID,
			Amount:  amount.String(),
		}
		if key.Scope == ledger.AccountScopeUser {
			b.EntityID = uuid.UUID(key.EntityID).String()
		}
		snap.Balances = append(snap.Balances, b)
	}

	return snap
}

// EngineState is the inverse of NewSnapshotData for the engine part
func (s *SnapshotData) EngineState() (core.State, error) {
	st := core.State{Sequence: s.Sequence}

	prev, err := hex.DecodeString(s.PrevHash)
	if err != nil || len(prev) != len(st.PrevHash) {
		return core.State{}, fmt.Errorf("snapshot prev_hash %q is malformed", s.PrevHash)
	}
	copy(st.PrevHash[:], prev)

	d := decoder{}
	st.Params = state.Params{
		MCR:                        d.amount("mcr", s.Params.MCR),
		CCR:                        d.amount("ccr", s.Params.CCR),
		CollGasCompensationDivisor: s.Params.CollGasCompensationDivisor,
		MaxCollGasCompensation:     d.amount("max_coll_gas_compensation", s.Params.MaxCollGasCompensation),
	}

	st.Positions = make([]state.Position, 0, len(s.Positions))
	for _, ps := range s.Positions {
		owner := d.id("owner", ps.Owner)
		status, ok := state.ParseStatus(ps.Status)
		if !ok {
			d.fail(fmt.Errorf("position %s: unknown status %q", ps.Owner, ps.Status))
		}
		p := state.Position{Owner: owner, Status: status, OwnerIndex: ps.OwnerIndex}
		d.into(&p.Debt, "debt", ps.Debt)
		d.into(&p.Coll, "coll", ps.Coll)
		d.into(&p.Stake, "stake", ps.Stake)
		st.Positions = append(st.Positions, p)
	}

	st.Snapshots = make(map[uuid.UUID]state.RewardSnapshot, len(s.RewardSnapshots))
	for id, rs := range s.RewardSnapshots {
		var snap state.RewardSnapshot
		d.into(&snap.Coll, "snapshot coll", rs.Coll)
		d.into(&snap.Debt, "snapshot debt", rs.Debt)
		st.Snapshots[d.id("snapshot owner", id)] = snap
	}

	d.into(&st.Rewards.LColl, "l_coll", s.Rewards.LColl)
	d.into(&st.Rewards.LDebt, "l_debt", s.Rewards.LDebt)
	d.into(&st.Rewards.LastCollError, "last_coll_error", s.Rewards.LastCollError)
	d.into(&st.Rewards.LastDebtError, "last_debt_error", s.Rewards.LastDebtError)
	d.into(&st.Stakes.Total, "total_stakes", s.Stakes.Total)
	d.into(&st.Stakes.TotalSnapshot, "total_stakes_snapshot", s.Stakes.TotalSnapshot)
	d.into(&st.Stakes.TotalCollateralSnapshot, "total_collateral_snapshot", s.Stakes.TotalCollateralSnapshot)

	st.IndexKeys = make(map[uuid.UUID]*uint256.Int, len(s.IndexKeys))
	for id, key := range s.IndexKeys {
		st.IndexKeys[d.id("index owner", id)] = d.amount("index key", key)
	}

	if err := d.err(); err != nil {
		return core.State{}, err
	}
	return st, nil
}

// TreasuryBalances decodes the stored treasury accounts
func (s *SnapshotData) TreasuryBalances() (map[ledger.AccountKey]*big.Int, error) {
	out := make(map[ledger.AccountKey]*big.Int, len(s.Balances))
	for _, b := range s.Balances {
		key := ledger.AccountKey{Scope: b.Scope, SubType: b.SubType, AssetID: b.AssetID}
		if b.Scope == ledger.AccountScopeUser {
			id, err := uuid.Parse(b.EntityID)
			if err != nil {
				return nil, fmt.Errorf("balance entity %q: %w", b.EntityID, err)
			}
			key.EntityID = id
		}
		amount, ok := new(big.Int).SetString(b.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("balance %s: malformed amount %q", key.AccountPath(), b.Amount)
		}
		out[key] = amount
	}
	return out, nil
}

// decoder collects parse failures so conversions read linearly
type decoder struct {
	errs []error
}

func (d *decoder) fail(err error) {
	d.errs = append(d.errs, err)
}

func (d *decoder) err() error {
	return errors.Join(d.errs...)
}

func (d *decoder) amount(field, s string) *uint256.Int {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		d.fail(fmt.Errorf("%s %q: %w", field, s, err))
		return new(uint256.Int)
	}
	return v
}

func (d *decoder) into(dst *uint256.Int, field, s string) {
	dst.Set(d.amount(field, s))
}

func (d *decoder) id(field, s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		d.fail(fmt.Errorf("%s %q: %w", field, s, err))
	}
	return id
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. A second snapshot at the same sequence
// replaces the first.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO cdp_log.snapshots (sequence, prev_hash, data, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sequence) DO UPDATE
		SET prev_hash = EXCLUDED.prev_hash, data = EXCLUDED.data, created_at = EXCLUDED.created_at
	`, snap.Sequence, snap.PrevHash, data, snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return len(data), nil
}

// LoadLatestSnapshot returns the newest snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM cdp_log.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
