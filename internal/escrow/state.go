package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// State is the transactional ledger backing the engine. Atomically runs fn
// against a transaction and commits its writes only when fn returns nil.
type State interface {
	Atomically(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the view of the ledger inside one Atomically call.
type Tx interface {
	GetEscrow(ctx context.Context, id common.Hash) (*Record, bool, error)
	PutEscrow(ctx context.Context, rec *Record) error
	Balance(ctx context.Context, who Identity) (uint64, error)
	SetBalance(ctx context.Context, who Identity, amount uint64) error
}

// DueLister is implemented by states that can enumerate accepted, unsettled
// records whose expiry has passed.
type DueLister interface {
	ListDue(ctx context.Context, now int64, limit int) ([]common.Hash, error)
}

// MemoryState keeps records and balances in process memory. Writes made inside
// Atomically are staged and only become visible on success.
type MemoryState struct {
	mu       sync.Mutex
	escrows  map[common.Hash]*Record
	balances map[Identity]uint64
}

func NewMemoryState() *MemoryState {
	return &MemoryState{
		escrows:  make(map[common.Hash]*Record),
		balances: make(map[Identity]uint64),
	}
}

func (m *MemoryState) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		parent:   m,
		escrows:  make(map[common.Hash]*Record),
		balances: make(map[Identity]uint64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for id, rec := range tx.escrows {
		m.escrows[id] = rec
	}
	for who, amt := range tx.balances {
		m.balances[who] = amt
	}
	return nil
}

// ListDue returns due record keys sorted by expiry, oldest first.
func (m *MemoryState) ListDue(_ context.Context, now int64, limit int) ([]common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]*Record, 0)
	for _, rec := range m.escrows {
		if rec.Initialized && !rec.Settled && rec.Accepted() && rec.ExpiryTime <= now {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ExpiryTime != due[j].ExpiryTime {
			return due[i].ExpiryTime < due[j].ExpiryTime
		}
		return due[i].ID.Hex() < due[j].ID.Hex()
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]common.Hash, len(due))
	for i, rec := range due {
		ids[i] = rec.ID
	}
	return ids, nil
}

type memoryTx struct {
	parent   *MemoryState
	escrows  map[common.Hash]*Record
	balances map[Identity]uint64
}

func (t *memoryTx) GetEscrow(_ context.Context, id common.Hash) (*Record, bool, error) {
	if rec, ok := t.escrows[id]; ok {
		return rec.Clone(), true, nil
	}
	rec, ok := t.parent.escrows[id]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (t *memoryTx) PutEscrow(_ context.Context, rec *Record) error {
	if rec == nil {
		return errNilState
	}
	t.escrows[rec.ID] = rec.Clone()
	return nil
}

func (t *memoryTx) Balance(_ context.Context, who Identity) (uint64, error) {
	if amt, ok := t.balances[who]; ok {
		return amt, nil
	}
	return t.parent.balances[who], nil
}

func (t *memoryTx) SetBalance(_ context.Context, who Identity, amount uint64) error {
	t.balances[who] = amount
	return nil
}
