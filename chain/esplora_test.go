package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightsparkdev/rewind/common"
)

func txid(b byte) string {
	var h chainhash.Hash
	h[0] = b
	return h.String()
}

func confirmedTx(b byte, height int64) esploraTx {
	return esploraTx{TxID: txid(b), Status: esploraStatus{Confirmed: true, BlockHeight: height}}
}

func testTx() *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	return tx
}

func TestScriptHash(t *testing.T) {
	// Electrum script hash of the P2PKH script of 1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa.
	script, err := hex.DecodeString("76a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1888ac")
	require.NoError(t, err)
	assert.Equal(t, "8b01df4e368ea28f8dc0423bcf7a4923e3a12d307c875e47a0cfbf90b5c39161", ScriptHash(script))
}

func TestSortHistory(t *testing.T) {
	history := []TxHistory{
		{TxID: chainhash.Hash{1}},
		{TxID: chainhash.Hash{2}, Confirmed: true, BlockHeight: 20},
		{TxID: chainhash.Hash{3}, Confirmed: true, BlockHeight: 10},
	}
	SortHistory(history)
	assert.Equal(t, chainhash.Hash{3}, history[0].TxID)
	assert.Equal(t, chainhash.Hash{2}, history[1].TxID)
	assert.Equal(t, chainhash.Hash{1}, history[2].TxID)
}

func TestIsIrreversible(t *testing.T) {
	assert.True(t, IsIrreversible(95, 100, 6))
	assert.False(t, IsIrreversible(96, 100, 6))
	assert.False(t, IsIrreversible(0, 100, 1))
}

func TestFetchTxHistoryPages(t *testing.T) {
	script := []byte{0x00, 0x14, 0x01}
	scriptHash := ScriptHash(script)

	firstPage := []esploraTx{{TxID: txid(200)}}
	for i := range esploraChainPageSize {
		firstPage = append(firstPage, confirmedTx(byte(i+1), int64(1000-i)))
	}
	lastOfFirst := firstPage[len(firstPage)-1].TxID
	secondPage := []esploraTx{confirmedTx(100, 900), confirmedTx(101, 899)}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/scripthash/" + scriptHash + "/txs":
			assert.NoError(t, json.NewEncoder(w).Encode(firstPage))
		case "/scripthash/" + scriptHash + "/txs/chain/" + lastOfFirst:
			assert.NoError(t, json.NewEncoder(w).Encode(secondPage))
		case "/blocks/tip/height":
			fmt.Fprint(w, "1000\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, err := NewEsploraClient(EsploraConfig{BaseURL: server.URL + "/", IrreversibleDepth: 6})
	require.NoError(t, err)

	history, err := client.FetchTxHistory(context.Background(), script)
	require.NoError(t, err)
	require.Len(t, history, esploraChainPageSize+3)

	// Oldest confirmed first, mempool last.
	assert.Equal(t, txid(101), history[0].TxID.String())
	assert.Equal(t, int64(899), history[0].BlockHeight)
	assert.True(t, history[0].Irreversible)
	assert.Equal(t, txid(200), history[len(history)-1].TxID.String())
	assert.False(t, history[len(history)-1].Confirmed)

	tipTx := history[len(history)-2]
	assert.Equal(t, int64(1000), tipTx.BlockHeight)
	assert.False(t, tipTx.Irreversible)
}

func TestFetchTx(t *testing.T) {
	tx := testTx()
	raw, err := common.SerializeTxHex(tx)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tx/"+tx.TxID()+"/hex" {
			fmt.Fprint(w, raw)
			return
		}
		http.Error(w, "Transaction not found", http.StatusNotFound)
	}))
	defer server.Close()

	client, err := NewEsploraClient(EsploraConfig{BaseURL: server.URL})
	require.NoError(t, err)

	got, err := client.FetchTx(context.Background(), tx.TxHash())
	require.NoError(t, err)
	assert.Equal(t, tx.TxHash(), got.TxHash())

	_, err = client.FetchTx(context.Background(), chainhash.Hash{9})
	require.ErrorIs(t, err, ErrTxNotFound)
}

func TestFetchOutspend(t *testing.T) {
	spent := &chainhash.Hash{1}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tx/" + spent.String() + "/outspend/1":
			assert.NoError(t, json.NewEncoder(w).Encode(esploraOutspend{
				Spent:  true,
				TxID:   txid(7),
				Vin:    2,
				Status: esploraStatus{Confirmed: true, BlockHeight: 90},
			}))
		case "/tx/" + spent.String() + "/outspend/0":
			fmt.Fprint(w, `{"spent":false}`)
		case "/blocks/tip/height":
			fmt.Fprint(w, "100")
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, err := NewEsploraClient(EsploraConfig{BaseURL: server.URL})
	require.NoError(t, err)

	out, err := client.FetchOutspend(context.Background(), wire.OutPoint{Hash: *spent, Index: 1})
	require.NoError(t, err)
	assert.True(t, out.Spent)
	assert.Equal(t, txid(7), out.TxID.String())
	assert.Equal(t, uint32(2), out.Vin)
	assert.True(t, out.Irreversible)

	out, err = client.FetchOutspend(context.Background(), wire.OutPoint{Hash: *spent, Index: 0})
	require.NoError(t, err)
	assert.False(t, out.Spent)
}

func TestBroadcast(t *testing.T) {
	tx := testTx()
	posted := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tx", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		posted <- string(body)
		fmt.Fprint(w, tx.TxID())
	}))
	defer server.Close()

	client, err := NewEsploraClient(EsploraConfig{BaseURL: server.URL})
	require.NoError(t, err)
	require.NoError(t, client.Broadcast(context.Background(), tx))

	raw, err := common.SerializeTxHex(tx)
	require.NoError(t, err)
	assert.Equal(t, raw, <-posted)
}

func TestBroadcastRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sendrawtransaction RPC error: bad-txns-inputs-missingorspent", http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewEsploraClient(EsploraConfig{BaseURL: server.URL})
	require.NoError(t, err)
	err = client.Broadcast(context.Background(), testTx())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missingorspent")
}

func TestNewEsploraClientRequiresURL(t *testing.T) {
	_, err := NewEsploraClient(EsploraConfig{})
	require.Error(t, err)
}
