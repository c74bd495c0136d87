package indexer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axiom-crypto/blockhash-relayer/types"
)

// streamServer plays the Hasura side of a graphql-ws subscription. After the
// handshake it sends every message in script and then either completes or
// holds the connection open until the client goes away.
type streamServer struct {
	t        *testing.T
	script   []operationMessage
	complete bool

	startVars chan map[string]interface{}
}

func (s *streamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{Subprotocols: []string{graphqlWSProtocol}}
	conn, err := upgrader.Upgrade(w, r, nil)
	if !assert.NoError(s.t, err) {
		return
	}
	defer conn.Close()
	assert.Equal(s.t, graphqlWSProtocol, conn.Subprotocol())
	assert.Equal(s.t, "Bearer secret", r.Header.Get("Authorization"))

	var msg operationMessage
	if !assert.NoError(s.t, conn.ReadJSON(&msg)) {
		return
	}
	assert.Equal(s.t, msgConnectionInit, msg.Type)
	assert.NoError(s.t, conn.WriteJSON(operationMessage{Type: msgKeepAlive}))
	assert.NoError(s.t, conn.WriteJSON(operationMessage{Type: msgConnectionAck}))

	if !assert.NoError(s.t, conn.ReadJSON(&msg)) {
		return
	}
	assert.Equal(s.t, msgStart, msg.Type)
	var start struct {
		Query     string                 `json:"query"`
		Variables map[string]interface{} `json:"variables"`
	}
	assert.NoError(s.t, json.Unmarshal(msg.Payload, &start))
	assert.Contains(s.t, start.Query, "demo_block_headers_calldata_stream")
	s.startVars <- start.Variables

	for _, m := range s.script {
		if err := conn.WriteJSON(m); err != nil {
			return
		}
	}
	if s.complete {
		_ = conn.WriteJSON(operationMessage{ID: subscriptionID, Type: msgComplete})
		return
	}
	for {
		if err := conn.ReadJSON(&msg); err != nil || msg.Type == msgStop {
			return
		}
	}
}

func dataMessage(rows string) operationMessage {
	return operationMessage{
		ID:      subscriptionID,
		Type:    msgData,
		Payload: json.RawMessage(`{"data":{"demo_block_headers_calldata_stream":` + rows + `}}`),
	}
}

func newStreamClient(t *testing.T, srv *streamServer) *Client {
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return NewClient(Config{
		WSURL:  "ws" + strings.TrimPrefix(ts.URL, "http"),
		Token:  "secret",
		Logger: zerolog.Nop(),
	})
}

func TestSubscribeConvertsInclusiveEnd(t *testing.T) {
	srv := &streamServer{
		t: t,
		script: []operationMessage{
			{Type: msgKeepAlive},
			dataMessage(`[{"calldata":"0x01","start_num":1000,"end_num":1023}]`),
			dataMessage(`[{"calldata":"0x0203","start_num":"1024","end_num":"1151"}]`),
		},
		startVars: make(chan map[string]interface{}, 1),
	}
	client := newStreamClient(t, srv)

	sink := make(chan types.ProofBatch)
	sub, err := client.Subscribe(context.Background(), 1000, sink)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	vars := <-srv.startVars
	require.EqualValues(t, 999, vars["end_num"])
	require.EqualValues(t, 1, vars["chain_id"])
	require.EqualValues(t, types.InitialDepth, vars["initial_depth"])
	require.EqualValues(t, types.MaxDepth, vars["max_depth"])

	first := receive(t, sink)
	require.Equal(t, types.ProofBatch{Start: 1000, End: 1024, Calldata: []byte{0x01}}, first)
	require.Equal(t, uint64(24), first.Window().Length)

	second := receive(t, sink)
	require.Equal(t, types.ProofBatch{Start: 1024, End: 1152, Calldata: []byte{0x02, 0x03}}, second)

	sub.Unsubscribe()
	select {
	case err, ok := <-sub.Err():
		require.False(t, ok, "unexpected error %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not shut down")
	}
}

func TestSubscribeCompleteIsTransient(t *testing.T) {
	srv := &streamServer{
		t:         t,
		complete:  true,
		startVars: make(chan map[string]interface{}, 1),
	}
	client := newStreamClient(t, srv)

	sub, err := client.Subscribe(context.Background(), 0, make(chan types.ProofBatch))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	vars := <-srv.startVars
	require.EqualValues(t, -1, vars["end_num"])

	select {
	case err := <-sub.Err():
		require.ErrorIs(t, err, types.ErrStreamClosed)
		require.True(t, types.IsTransient(err))
	case <-time.After(5 * time.Second):
		t.Fatal("no stream error")
	}
}

func TestSubscribeMalformedRowIsFatal(t *testing.T) {
	srv := &streamServer{
		t:         t,
		script:    []operationMessage{dataMessage(`[{"calldata":"0x01","start_num":"abc","end_num":1023}]`)},
		startVars: make(chan map[string]interface{}, 1),
	}
	client := newStreamClient(t, srv)

	sub, err := client.Subscribe(context.Background(), 1000, make(chan types.ProofBatch))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case err := <-sub.Err():
		require.Error(t, err)
		require.True(t, types.IsFatal(err))
	case <-time.After(5 * time.Second):
		t.Fatal("no stream error")
	}
}

func TestSubscribeDialFailureIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()

	client := NewClient(Config{WSURL: url, Logger: zerolog.Nop()})
	_, err := client.Subscribe(context.Background(), 0, make(chan types.ProofBatch))
	require.ErrorIs(t, err, types.ErrTransient)
}

func receive(t *testing.T, sink <-chan types.ProofBatch) types.ProofBatch {
	t.Helper()
	select {
	case b := <-sink:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("no batch received")
		return types.ProofBatch{}
	}
}
