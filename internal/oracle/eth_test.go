package oracle

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"floorescrow/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// fakeChain answers FloorOracle calls from an in-memory table.
type fakeChain struct {
	abi    abi.ABI
	floors map[string]*big.Int
	code   []byte
	err    error
}

func newFakeChain(t *testing.T) *fakeChain {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(contracts.FloorOracleABI))
	require.NoError(t, err)
	return &fakeChain{abi: parsed, floors: map[string]*big.Int{}, code: []byte{0x60, 0x80}}
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.code, nil
}

func (f *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	method, err := f.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	floor, known := f.floors[args[0].(string)]
	switch method.Name {
	case "hasCollection":
		return method.Outputs.Pack(known)
	case "floorPrice":
		if !known {
			floor = new(big.Int)
		}
		return method.Outputs.Pack(floor)
	}
	return nil, errors.New("unexpected method")
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	return 42, f.err
}

const oracleAddr = "0x00000000000000000000000000000000000000aa"

func TestEthOracleObservedValue(t *testing.T) {
	chain := newFakeChain(t)
	chain.floors["punks"] = big.NewInt(5200)
	o, err := NewEthOracleWithBackend(chain, oracleAddr)
	require.NoError(t, err)
	ctx := context.Background()

	v, err := o.ObservedValue(ctx, "punks")
	require.NoError(t, err)
	require.Equal(t, uint64(5200), v)

	_, err = o.ObservedValue(ctx, "apes")
	require.ErrorIs(t, err, ErrUnavailable)

	chain.floors["whales"] = new(big.Int).Lsh(big.NewInt(1), 64)
	_, err = o.ObservedValue(ctx, "whales")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestEthOracleVerifier(t *testing.T) {
	chain := newFakeChain(t)
	chain.floors["punks"] = big.NewInt(1)
	o, err := NewEthOracleWithBackend(chain, oracleAddr)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := o.AuthorityValid(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = o.VerifyAssetExists(ctx, "punks")
	require.NoError(t, err)
	require.True(t, ok)

	chain.code = nil
	ok, err = o.AuthorityValid(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	chain.err = errors.New("connection refused")
	_, err = o.ObservedValue(ctx, "punks")
	require.ErrorIs(t, err, ErrUnavailable)
	require.Error(t, o.Ping(ctx))
}

func TestNewEthOracleValidatesAddress(t *testing.T) {
	_, err := NewEthOracleWithBackend(newFakeChain(t), "not-an-address")
	require.Error(t, err)
	_, err = NewEthOracleWithBackend(nil, oracleAddr)
	require.Error(t, err)
}
