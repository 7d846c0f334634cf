package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lightsparkdev/rewind/common"
	"github.com/lightsparkdev/rewind/common/logging"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     json.RawMessage   `json:"id"`
}

type rpcResponse struct {
	Result any               `json:"result"`
	Error  *btcjson.RPCError `json:"error"`
	ID     json.RawMessage   `json:"id"`
}

// fakeBitcoind answers the JSON-RPC calls the broadcaster makes, including
// the version probe rpcclient runs before sendrawtransaction.
func fakeBitcoind(t *testing.T, handle func(method string, params []json.RawMessage) (any, *btcjson.RPCError)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		resp := rpcResponse{ID: req.ID}
		switch req.Method {
		case "getinfo":
			resp.Error = btcjson.ErrRPCMethodNotFound
		case "getnetworkinfo":
			resp.Result = map[string]any{"version": 270000, "subversion": "/Satoshi:27.0.0/"}
		default:
			resp.Result, resp.Error = handle(req.Method, req.Params)
		}
		assert.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func newTestBroadcaster(t *testing.T, server *httptest.Server) *RPCBroadcaster {
	b, err := NewRPCBroadcaster(RPCConfig{
		Host:       strings.TrimPrefix(server.URL, "http://"),
		User:       "rewind",
		Password:   "rewind",
		DisableTLS: true,
	}, "REGTEST")
	require.NoError(t, err)
	return b
}

func TestRPCBroadcast(t *testing.T) {
	tx := testTx()
	raw, err := common.SerializeTxHex(tx)
	require.NoError(t, err)

	sent := make(chan string, 1)
	server := fakeBitcoind(t, func(method string, params []json.RawMessage) (any, *btcjson.RPCError) {
		assert.Equal(t, "sendrawtransaction", method)
		var hexTx string
		assert.NoError(t, json.Unmarshal(params[0], &hexTx))
		sent <- hexTx
		return tx.TxID(), nil
	})
	defer server.Close()

	ctx := logging.Inject(context.Background(), zaptest.NewLogger(t))
	require.NoError(t, newTestBroadcaster(t, server).Broadcast(ctx, tx))
	assert.Equal(t, raw, <-sent)
}

func TestRPCBroadcastAlreadyInChain(t *testing.T) {
	server := fakeBitcoind(t, func(string, []json.RawMessage) (any, *btcjson.RPCError) {
		return nil, &btcjson.RPCError{Code: btcjson.ErrRPCVerifyAlreadyInChain, Message: "Transaction already in block chain"}
	})
	defer server.Close()

	require.NoError(t, newTestBroadcaster(t, server).Broadcast(context.Background(), testTx()))
}

func TestRPCBroadcastRejected(t *testing.T) {
	server := fakeBitcoind(t, func(string, []json.RawMessage) (any, *btcjson.RPCError) {
		return nil, &btcjson.RPCError{Code: btcjson.ErrRPCVerifyRejected, Message: "min relay fee not met"}
	})
	defer server.Close()

	err := newTestBroadcaster(t, server).Broadcast(context.Background(), testTx())
	require.Error(t, err)
	assert.False(t, alreadyBroadcasted(err))
}

func TestRPCSubmitPackage(t *testing.T) {
	parent, child := testTx(), testTx()
	child.TxIn[0].PreviousOutPoint.Hash = parent.TxHash()

	got := make(chan []string, 1)
	server := fakeBitcoind(t, func(method string, params []json.RawMessage) (any, *btcjson.RPCError) {
		assert.Equal(t, "submitpackage", method)
		var rawTxns []string
		assert.NoError(t, json.Unmarshal(params[0], &rawTxns))
		got <- rawTxns
		return submitPackageResult{PackageMsg: "success"}, nil
	})
	defer server.Close()

	require.NoError(t, newTestBroadcaster(t, server).SubmitPackage(context.Background(), []*wire.MsgTx{parent, child}))

	rawParent, err := common.SerializeTxHex(parent)
	require.NoError(t, err)
	rawChild, err := common.SerializeTxHex(child)
	require.NoError(t, err)
	assert.Equal(t, []string{rawParent, rawChild}, <-got)
}

func TestRPCSubmitPackageFailure(t *testing.T) {
	server := fakeBitcoind(t, func(string, []json.RawMessage) (any, *btcjson.RPCError) {
		return submitPackageResult{PackageMsg: "transaction failed"}, nil
	})
	defer server.Close()

	err := newTestBroadcaster(t, server).SubmitPackage(context.Background(), []*wire.MsgTx{testTx()})
	require.ErrorContains(t, err, "package submission")
}
