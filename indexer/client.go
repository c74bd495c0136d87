// Package indexer talks to the Hasura GraphQL indexer that stores block hashes
// and pre-computed block-header proofs.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"github.com/axiom-crypto/blockhash-relayer/types"
)

const (
	// DefaultHTTPTimeout bounds a single GraphQL query. Historical block hash
	// queries return 2^17 rows.
	DefaultHTTPTimeout = 2 * time.Minute
	// DefaultChainID is Ethereum mainnet.
	DefaultChainID = 1
)

const blockHashesQuery = `query QueryBlockHashes($start: Int!, $stop: Int!) {
  demo_chaindata(order_by: {block_number: asc}, where: {block_number: {_gte: $start, _lt: $stop}}) {
    block_hash
  }
}`

const calldataQuery = `query QueryCallData($start_num: Int!, $end_num: Int!, $chain_id: Int!, $initial_depth: Int!, $max_depth: Int!) {
  demo_block_headers_calldata_by_pk(chain_id: $chain_id, end_num: $end_num, initial_depth: $initial_depth, max_depth: $max_depth, start_num: $start_num) {
    calldata
  }
}`

// Config configures a Client.
type Config struct {
	HTTPURL string
	WSURL   string
	// Token is sent as a Bearer JWT on both transports.
	Token       string
	ChainID     uint64
	HTTPTimeout time.Duration
	Logger      zerolog.Logger
}

// Client queries the indexer over HTTP and streams proofs over a websocket.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config) *Client {
	if cfg.ChainID == 0 {
		cfg.ChainID = DefaultChainID
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		log:  cfg.Logger.With().Str("component", "indexer").Logger(),
	}
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

func (e graphqlResponse) err() error {
	if len(e.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(e.Errors))
	for i, ge := range e.Errors {
		msgs[i] = ge.Message
	}
	return fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
}

// query runs a GraphQL query and decodes its data into out. Transport
// failures and 5xx responses are transient; GraphQL errors are not.
func (c *Client) query(ctx context.Context, query string, vars map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.HTTPURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errorsmod.Wrapf(types.ErrTransient, "indexer request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorsmod.Wrapf(types.ErrTransient, "failed to read indexer response: %v", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return errorsmod.Wrapf(types.ErrTransient, "indexer returned %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("indexer returned %s: %s", resp.Status, bytes.TrimSpace(raw))
	}

	var gr graphqlResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return fmt.Errorf("failed to decode indexer response: %w", err)
	}
	if err := gr.err(); err != nil {
		return err
	}
	return json.Unmarshal(gr.Data, out)
}

// BlockHashes returns the hashes of blocks [start, stop) in block order. It
// fails with ErrIncompleteLeaves unless every block in the range is indexed.
func (c *Client) BlockHashes(ctx context.Context, start, stop uint64) ([]ethcommon.Hash, error) {
	if stop <= start {
		return nil, nil
	}
	var data struct {
		Rows []struct {
			BlockHash string `json:"block_hash"`
		} `json:"demo_chaindata"`
	}
	err := c.query(ctx, blockHashesQuery, map[string]interface{}{"start": start, "stop": stop}, &data)
	if err != nil {
		return nil, err
	}
	if want := stop - start; uint64(len(data.Rows)) != want {
		return nil, errorsmod.Wrapf(types.ErrIncompleteLeaves, "indexer returned %d of %d hashes for [%d, %d)",
			len(data.Rows), want, start, stop)
	}

	hashes := make([]ethcommon.Hash, len(data.Rows))
	for i, row := range data.Rows {
		b, err := decodeHex(row.BlockHash)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", start+uint64(i), err)
		}
		if len(b) != ethcommon.HashLength {
			return nil, fmt.Errorf("block %d: hash has %d bytes", start+uint64(i), len(b))
		}
		hashes[i] = ethcommon.BytesToHash(b)
	}
	c.log.Debug().Uint64("start", start).Uint64("stop", stop).Msg("fetched block hashes")
	return hashes, nil
}

// CalldataFor returns the proof calldata covering blocks [start, endInclusive]
// aggregated from initialDepth to maxDepth. The boolean is false when the
// indexer has no such proof.
func (c *Client) CalldataFor(ctx context.Context, start, endInclusive, initialDepth, maxDepth uint64) ([]byte, bool, error) {
	var data struct {
		Row *struct {
			Calldata *string `json:"calldata"`
		} `json:"demo_block_headers_calldata_by_pk"`
	}
	err := c.query(ctx, calldataQuery, map[string]interface{}{
		"start_num":     start,
		"end_num":       endInclusive,
		"chain_id":      c.cfg.ChainID,
		"initial_depth": initialDepth,
		"max_depth":     maxDepth,
	}, &data)
	if err != nil {
		return nil, false, err
	}
	if data.Row == nil || data.Row.Calldata == nil {
		return nil, false, nil
	}
	calldata, err := decodeHex(*data.Row.Calldata)
	if err != nil {
		return nil, false, fmt.Errorf("calldata for [%d, %d]: %w", start, endInclusive, err)
	}
	return calldata, true, nil
}

// decodeHex accepts 0x-prefixed hex and Postgres bytea (\x) notation.
func decodeHex(s string) ([]byte, error) {
	if strings.HasPrefix(s, `\x`) {
		s = "0x" + s[2:]
	}
	return hexutil.Decode(s)
}
