package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// HeaderReader is implemented by *ethclient.Client.
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
}

// CheckNodeHealth verifies that the node answers for its latest header,
// retrying with exponential backoff up to maxRetries times.
func CheckNodeHealth(ctx context.Context, client HeaderReader, maxRetries uint64) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

	return backoff.Retry(func() error {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		header, err := client.HeaderByNumber(reqCtx, nil)
		if err != nil {
			return fmt.Errorf("ethereum node is not responding correctly: %w", err)
		}
		if header == nil {
			return fmt.Errorf("ethereum node returned no latest header")
		}
		return nil
	}, policy)
}
