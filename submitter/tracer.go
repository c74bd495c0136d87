package submitter

import (
	"context"
	"encoding/json"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// Tracer returns an execution trace of a mined transaction.
type Tracer interface {
	TraceTransaction(ctx context.Context, hash ethcommon.Hash) (json.RawMessage, error)
}

// RPCTracer traces transactions with debug_traceTransaction. The node must
// expose the debug namespace.
type RPCTracer struct {
	client *rpc.Client
}

// NewRPCTracer returns a tracer using client.
func NewRPCTracer(client *rpc.Client) *RPCTracer {
	return &RPCTracer{client: client}
}

// TraceTransaction returns the call trace of hash.
func (t *RPCTracer) TraceTransaction(ctx context.Context, hash ethcommon.Hash) (json.RawMessage, error) {
	var raw json.RawMessage
	err := t.client.CallContext(ctx, &raw, "debug_traceTransaction", hash.Hex(), map[string]interface{}{
		"tracer": "callTracer",
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}
