package escrow

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const (
	// IdentityLength is the byte length of participant identifiers.
	IdentityLength = 32
	// MaxAssetIDLength bounds the asset identifier so records keep a fixed
	// upper size when serialized.
	MaxAssetIDLength = 32

	idDomain = "floorescrow:v1"
)

// Identity is an opaque fixed-size participant identifier.
type Identity [IdentityLength]byte

// ParseIdentity decodes a 0x-prefixed (or bare) hex string of exactly 32 bytes.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		trimmed = "0x" + trimmed
	}
	raw, err := hexutil.Decode(trimmed)
	if err != nil {
		return id, fmt.Errorf("%w: identity %q: %v", ErrInvalidArgument, s, err)
	}
	if len(raw) != IdentityLength {
		return id, fmt.Errorf("%w: identity must be %d bytes, got %d", ErrInvalidArgument, IdentityLength, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id Identity) Hex() string { return hexutil.Encode(id[:]) }

func (id Identity) String() string { return id.Hex() }

func (id Identity) IsZero() bool { return id == Identity{} }

func (id Identity) MarshalText() ([]byte, error) { return []byte(id.Hex()), nil }

func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// DeriveID returns the record key for a creator. The label lets one creator
// hold several live escrows; the empty label gives the one-per-creator key.
func DeriveID(creator Identity, label string) common.Hash {
	return crypto.Keccak256Hash([]byte(idDomain), creator[:], []byte(label))
}

// ParseID decodes a 32-byte hex record key.
func ParseID(s string) (common.Hash, error) {
	id, err := ParseIdentity(s)
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(id), nil
}

// Record is the persisted state of a single wager.
type Record struct {
	ID             common.Hash
	Creator        Identity
	Counterparty   *Identity
	AssetID        string
	PredictedValue uint64
	ExpiryTime     int64
	Collateral     uint64
	// Profit is the extra amount the counterparty locks when a profit
	// incentive is configured.
	Profit        uint64
	Initialized   bool
	Settled       bool
	Winner        *Identity
	ObservedValue uint64
}

// Accepted reports whether a counterparty has been bound.
func (r *Record) Accepted() bool { return r != nil && r.Counterparty != nil }

// HeldBalance is the amount custodied by the record in its current state.
func (r *Record) HeldBalance() (uint64, error) {
	if r == nil || !r.Initialized || r.Settled {
		return 0, nil
	}
	if !r.Accepted() {
		return r.Collateral, nil
	}
	return addAmounts(r.Collateral, r.Collateral, r.Profit)
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Counterparty != nil {
		cp := *r.Counterparty
		clone.Counterparty = &cp
	}
	if r.Winner != nil {
		w := *r.Winner
		clone.Winner = &w
	}
	return &clone
}

// addAmounts sums uint64 amounts, failing with ErrOverflow instead of wrapping.
func addAmounts(values ...uint64) (uint64, error) {
	total := new(uint256.Int)
	for _, v := range values {
		if _, overflow := total.AddOverflow(total, uint256.NewInt(v)); overflow {
			return 0, ErrOverflow
		}
	}
	if !total.IsUint64() {
		return 0, ErrOverflow
	}
	return total.Uint64(), nil
}

// profitFor computes collateral × bps / 10000 without intermediate overflow.
func profitFor(collateral uint64, bps uint32) (uint64, error) {
	if bps == 0 {
		return 0, nil
	}
	p := new(uint256.Int).Mul(uint256.NewInt(collateral), uint256.NewInt(uint64(bps)))
	p.Div(p, uint256.NewInt(bpsDenominator))
	if !p.IsUint64() {
		return 0, ErrOverflow
	}
	return p.Uint64(), nil
}
