// Package oracle provides read-only clients for the authority that reports the
// observed floor value of an asset collection.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is returned when the authority cannot be reached, is not
// initialised, or does not recognise the asset.
var ErrUnavailable = errors.New("oracle: unavailable")

// PriceOracle resolves the current observed value of an asset. Implementations
// must not mutate anything the caller can observe.
type PriceOracle interface {
	ObservedValue(ctx context.Context, assetID string) (uint64, error)
}

// Verifier is the optional extended contract consulted before collateral is
// locked.
type Verifier interface {
	AuthorityValid(ctx context.Context) (bool, error)
	VerifyAssetExists(ctx context.Context, assetID string) (bool, error)
}

// HealthChecker is implemented by clients with a cheap liveness probe.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}

func wrapUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func normaliseAsset(assetID string) string {
	return strings.TrimSpace(assetID)
}
