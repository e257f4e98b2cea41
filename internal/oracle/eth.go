package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"floorescrow/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainReader is the slice of the RPC client the on-chain oracle needs.
type ChainReader interface {
	bind.ContractCaller
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthOracle reads floor values from the FloorOracle contract.
type EthOracle struct {
	backend  ChainReader
	contract *bind.BoundContract
	address  common.Address
}

type EthOracleConfig struct {
	RPCURL   string
	Contract string
}

func NewEthOracle(ctx context.Context, cfg EthOracleConfig) (*EthOracle, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewEthOracleWithBackend(cli, cfg.Contract)
}

// NewEthOracleWithBackend binds the oracle contract on an existing backend.
func NewEthOracleWithBackend(backend ChainReader, contract string) (*EthOracle, error) {
	if backend == nil {
		return nil, fmt.Errorf("rpc backend is required")
	}
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid oracle contract address %q", contract)
	}
	parsedABI, err := abi.JSON(strings.NewReader(contracts.FloorOracleABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	address := common.HexToAddress(contract)
	return &EthOracle{
		backend:  backend,
		contract: bind.NewBoundContract(address, parsedABI, backend, nil, nil),
		address:  address,
	}, nil
}

func (o *EthOracle) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := o.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, wrapUnavailable(method, err)
	}
	if len(out) != 1 {
		return nil, unavailable("%s: unexpected output arity %d", method, len(out))
	}
	return out, nil
}

func (o *EthOracle) ObservedValue(ctx context.Context, assetID string) (uint64, error) {
	asset := normaliseAsset(assetID)
	known, err := o.VerifyAssetExists(ctx, asset)
	if err != nil {
		return 0, err
	}
	if !known {
		return 0, unavailable("eth oracle: unknown asset %q", asset)
	}
	out, err := o.call(ctx, "floorPrice", asset)
	if err != nil {
		return 0, err
	}
	value, ok := abi.ConvertType(out[0], new(big.Int)).(*big.Int)
	if !ok || value.Sign() < 0 || !value.IsUint64() {
		return 0, unavailable("eth oracle: floor price for %q out of range", asset)
	}
	return value.Uint64(), nil
}

// AuthorityValid reports whether contract code is deployed at the configured
// address.
func (o *EthOracle) AuthorityValid(ctx context.Context) (bool, error) {
	code, err := o.backend.CodeAt(ctx, o.address, nil)
	if err != nil {
		return false, wrapUnavailable("code at", err)
	}
	return len(code) > 0, nil
}

func (o *EthOracle) VerifyAssetExists(ctx context.Context, assetID string) (bool, error) {
	out, err := o.call(ctx, "hasCollection", normaliseAsset(assetID))
	if err != nil {
		return false, err
	}
	known, ok := out[0].(bool)
	if !ok {
		return false, unavailable("hasCollection: unexpected output type %T", out[0])
	}
	return known, nil
}

func (o *EthOracle) Ping(ctx context.Context) error {
	if o.backend == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := o.backend.BlockNumber(ctx)
	return err
}
