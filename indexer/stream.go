package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"
	"github.com/spf13/cast"

	"github.com/axiom-crypto/blockhash-relayer/types"
)

// graphqlWSProtocol is the Apollo subscriptions-transport-ws subprotocol
// spoken by Hasura.
const graphqlWSProtocol = "graphql-ws"

const handshakeTimeout = 30 * time.Second

const subscriptionID = "1"

const calldataSubscription = `subscription BlockHeaderProofSubscription(
    $end_num: Int!,
    $chain_id: Int!,
    $initial_depth: Int!,
    $max_depth: Int!
) {
    demo_block_headers_calldata_stream(
        batch_size: 1,
        cursor: {initial_value: {end_num: $end_num}, ordering: ASC},
        where: {max_depth: {_eq: $max_depth}, initial_depth: {_eq: $initial_depth}, chain_id: {_eq: $chain_id}}
    ) {
        calldata
        start_num
        end_num
    }
}`

// graphql-ws message types.
const (
	msgConnectionInit  = "connection_init"
	msgConnectionAck   = "connection_ack"
	msgConnectionError = "connection_error"
	msgKeepAlive       = "ka"
	msgStart           = "start"
	msgStop            = "stop"
	msgData            = "data"
	msgError           = "error"
	msgComplete        = "complete"
)

type operationMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type streamRow struct {
	Calldata string      `json:"calldata"`
	StartNum interface{} `json:"start_num"`
	EndNum   interface{} `json:"end_num"`
}

// Subscribe streams recent-path proof batches at depths InitialDepth to
// MaxDepth whose End is greater than from, in ascending order, into sink.
// from is exclusive like types.Cursor.LastFinalized; the indexer's inclusive
// end_num is converted so every delivered batch has End = end_num + 1.
//
// The subscription ends with ErrStreamClosed when the connection drops or the
// server completes the stream. Delivery is at least once.
func (c *Client) Subscribe(ctx context.Context, from uint64, sink chan<- types.ProofBatch) (ethereum.Subscription, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{graphqlWSProtocol},
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrTransient, "failed to dial indexer stream: %v", err)
	}
	if err := c.handshake(conn, from); err != nil {
		conn.Close()
		return nil, err
	}
	c.log.Info().Uint64("from", from).Msg("subscribed to calldata stream")

	return event.NewSubscription(func(quit <-chan struct{}) error {
		return c.readStream(conn, quit, sink)
	}), nil
}

func (c *Client) handshake(conn *websocket.Conn, from uint64) error {
	initPayload := map[string]interface{}{}
	if c.cfg.Token != "" {
		initPayload["headers"] = map[string]string{"Authorization": "Bearer " + c.cfg.Token}
	}
	if err := writeMessage(conn, "", msgConnectionInit, initPayload); err != nil {
		return errorsmod.Wrapf(types.ErrTransient, "failed to init stream: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return errorsmod.Wrapf(types.ErrTransient, "%v", err)
	}
	for acked := false; !acked; {
		var msg operationMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return errorsmod.Wrapf(types.ErrTransient, "no connection_ack from indexer: %v", err)
		}
		switch msg.Type {
		case msgConnectionAck:
			acked = true
		case msgKeepAlive:
		case msgConnectionError:
			return fmt.Errorf("indexer rejected connection: %s", msg.Payload)
		default:
			return fmt.Errorf("unexpected %q message before connection_ack", msg.Type)
		}
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return errorsmod.Wrapf(types.ErrTransient, "%v", err)
	}

	// The stream cursor yields rows with end_num strictly greater than the
	// initial value, and end_num is the last block of a batch.
	start := map[string]interface{}{
		"query": calldataSubscription,
		"variables": map[string]interface{}{
			"end_num":       int64(from) - 1,
			"chain_id":      c.cfg.ChainID,
			"initial_depth": types.InitialDepth,
			"max_depth":     types.MaxDepth,
		},
	}
	if err := writeMessage(conn, subscriptionID, msgStart, start); err != nil {
		return errorsmod.Wrapf(types.ErrTransient, "failed to start subscription: %v", err)
	}
	return nil
}

func (c *Client) readStream(conn *websocket.Conn, quit <-chan struct{}, sink chan<- types.ProofBatch) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-quit:
			_ = writeMessage(conn, subscriptionID, msgStop, nil)
		case <-done:
		}
		conn.Close()
	}()

	for {
		var msg operationMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-quit:
				return nil
			default:
			}
			return errorsmod.Wrapf(types.ErrStreamClosed, "%v", err)
		}

		switch msg.Type {
		case msgKeepAlive, msgConnectionAck:
		case msgData:
			batches, err := decodeBatches(msg.Payload)
			if err != nil {
				return err
			}
			for _, batch := range batches {
				c.log.Debug().Uint64("start", batch.Start).Uint64("end", batch.End).Msg("received proof batch")
				select {
				case sink <- batch:
				case <-quit:
					return nil
				}
			}
		case msgError, msgConnectionError:
			return fmt.Errorf("indexer stream error: %s", msg.Payload)
		case msgComplete:
			return errorsmod.Wrap(types.ErrStreamClosed, "indexer completed the subscription")
		default:
			c.log.Warn().Str("type", msg.Type).Msg("ignoring unknown stream message")
		}
	}
}

func decodeBatches(payload json.RawMessage) ([]types.ProofBatch, error) {
	var gr graphqlResponse
	if err := json.Unmarshal(payload, &gr); err != nil {
		return nil, fmt.Errorf("failed to decode stream payload: %w", err)
	}
	if err := gr.err(); err != nil {
		return nil, err
	}
	var data struct {
		Rows []streamRow `json:"demo_block_headers_calldata_stream"`
	}
	if err := json.Unmarshal(gr.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode stream rows: %w", err)
	}

	batches := make([]types.ProofBatch, 0, len(data.Rows))
	for _, row := range data.Rows {
		start, err := cast.ToUint64E(row.StartNum)
		if err != nil {
			return nil, fmt.Errorf("invalid start_num %v: %w", row.StartNum, err)
		}
		end, err := cast.ToUint64E(row.EndNum)
		if err != nil {
			return nil, fmt.Errorf("invalid end_num %v: %w", row.EndNum, err)
		}
		if end < start {
			return nil, fmt.Errorf("batch end_num %d before start_num %d", end, start)
		}
		calldata, err := decodeHex(row.Calldata)
		if err != nil {
			return nil, fmt.Errorf("batch [%d, %d]: %w", start, end, err)
		}
		batches = append(batches, types.ProofBatch{Start: start, End: end + 1, Calldata: calldata})
	}
	return batches, nil
}

func writeMessage(conn *websocket.Conn, id, typ string, payload interface{}) error {
	msg := operationMessage{ID: id, Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Payload = raw
	}
	return conn.WriteJSON(msg)
}
