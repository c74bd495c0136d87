package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiom-crypto/blockhash-relayer/types"
)

type graphqlHandler func(t *testing.T, req graphqlRequest) (int, string)

func newGraphQLServer(t *testing.T, handler graphqlHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req graphqlRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		status, body := handler(t, req)
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(url string) *Client {
	return NewClient(Config{HTTPURL: url, Token: "secret", Logger: zerolog.Nop()})
}

func hashRows(start, stop uint64) string {
	rows := make([]map[string]string, 0, stop-start)
	for n := start; n < stop; n++ {
		rows = append(rows, map[string]string{"block_hash": testHash(n).Hex()})
	}
	raw, _ := json.Marshal(map[string]interface{}{"data": map[string]interface{}{"demo_chaindata": rows}})
	return string(raw)
}

func testHash(n uint64) ethcommon.Hash {
	return ethcommon.BigToHash(new(big.Int).SetUint64(n + 1))
}

func TestBlockHashes(t *testing.T) {
	srv := newGraphQLServer(t, func(t *testing.T, req graphqlRequest) (int, string) {
		assert.Contains(t, req.Query, "demo_chaindata")
		assert.EqualValues(t, 100, req.Variables["start"])
		assert.EqualValues(t, 104, req.Variables["stop"])
		return http.StatusOK, hashRows(100, 104)
	})

	hashes, err := newTestClient(srv.URL).BlockHashes(context.Background(), 100, 104)
	require.NoError(t, err)
	require.Equal(t, []ethcommon.Hash{testHash(100), testHash(101), testHash(102), testHash(103)}, hashes)
}

func TestBlockHashesIncomplete(t *testing.T) {
	srv := newGraphQLServer(t, func(t *testing.T, req graphqlRequest) (int, string) {
		return http.StatusOK, hashRows(100, 103)
	})

	_, err := newTestClient(srv.URL).BlockHashes(context.Background(), 100, 104)
	require.ErrorIs(t, err, types.ErrIncompleteLeaves)
}

func TestBlockHashesAcceptsByteaNotation(t *testing.T) {
	srv := newGraphQLServer(t, func(t *testing.T, req graphqlRequest) (int, string) {
		return http.StatusOK, fmt.Sprintf(`{"data":{"demo_chaindata":[{"block_hash":"\\x%x"}]}}`, testHash(7).Bytes())
	})

	hashes, err := newTestClient(srv.URL).BlockHashes(context.Background(), 7, 8)
	require.NoError(t, err)
	require.Equal(t, []ethcommon.Hash{testHash(7)}, hashes)
}

func TestCalldataFor(t *testing.T) {
	srv := newGraphQLServer(t, func(t *testing.T, req graphqlRequest) (int, string) {
		assert.Contains(t, req.Query, "demo_block_headers_calldata_by_pk")
		assert.EqualValues(t, 0, req.Variables["start_num"])
		assert.EqualValues(t, 131071, req.Variables["end_num"])
		assert.EqualValues(t, 1, req.Variables["chain_id"])
		assert.EqualValues(t, 7, req.Variables["initial_depth"])
		assert.EqualValues(t, 17, req.Variables["max_depth"])
		return http.StatusOK, `{"data":{"demo_block_headers_calldata_by_pk":{"calldata":"0xdeadbeef"}}}`
	})

	calldata, ok, err := newTestClient(srv.URL).CalldataFor(context.Background(), 0, 131071, 7, 17)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, calldata)
}

func TestCalldataForAbsent(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{"no row", `{"data":{"demo_block_headers_calldata_by_pk":null}}`},
		{"null calldata", `{"data":{"demo_block_headers_calldata_by_pk":{"calldata":null}}}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newGraphQLServer(t, func(t *testing.T, req graphqlRequest) (int, string) {
				return http.StatusOK, tc.body
			})
			_, ok, err := newTestClient(srv.URL).CalldataFor(context.Background(), 0, 131071, 7, 17)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestQueryErrors(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"server error", http.StatusBadGateway, "bad gateway", true},
		{"unauthorized", http.StatusUnauthorized, "invalid jwt", false},
		{"graphql error", http.StatusOK, `{"errors":[{"message":"field not found"}]}`, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newGraphQLServer(t, func(t *testing.T, req graphqlRequest) (int, string) {
				return tc.status, tc.body
			})
			_, err := newTestClient(srv.URL).BlockHashes(context.Background(), 0, 1)
			require.Error(t, err)
			require.Equal(t, tc.transient, types.IsTransient(err))
		})
	}
}

func TestQueryUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).BlockHashes(context.Background(), 0, 1)
	require.ErrorIs(t, err, types.ErrTransient)
}
