package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/lightsparkdev/rewind/common"
	"github.com/lightsparkdev/rewind/common/logging"
)

var (
	meter = otel.Meter("rewind.chain")

	broadcastCounter metric.Int64Counter

	registerSubmitPackage sync.Once
	errRegisterSubmit     error
)

func init() {
	var err error
	broadcastCounter, err = meter.Int64Counter(
		"chain.broadcast_total",
		metric.WithDescription("Total number of transactions and packages broadcast"),
	)
	if err != nil {
		otel.Handle(err)
		broadcastCounter = noop.Int64Counter{}
	}
}

type submitPackageCmd struct {
	// An array of hex strings of raw transactions.
	RawTxns []string
}

type txResult struct {
	TxID  string `json:"txid"`
	Error string `json:"error,omitempty"`
}

type submitPackageResult struct {
	PackageMsg           string              `json:"package_msg"`
	TxResults            map[string]txResult `json:"tx-results"`
	ReplacedTransactions []string            `json:"replaced-transactions"`
}

type bitcoinClient interface {
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	SendCmd(cmd any) chan *rpcclient.Response
}

// RPCConfig is the bitcoind JSON-RPC endpoint.
type RPCConfig struct {
	Host       string `mapstructure:"host"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DisableTLS bool   `mapstructure:"disable_tls"`
}

// RPCBroadcaster relays transactions and packages through bitcoind.
type RPCBroadcaster struct {
	client bitcoinClient
	// network labels metrics.
	network string
}

// NewRPCBroadcaster connects to bitcoind in HTTP POST mode.
func NewRPCBroadcaster(cfg RPCConfig, network string) (*RPCBroadcaster, error) {
	registerSubmitPackage.Do(func() {
		errRegisterSubmit = btcjson.RegisterCmd("submitpackage", (*submitPackageCmd)(nil), btcjson.UsageFlag(0))
	})
	if errRegisterSubmit != nil {
		return nil, fmt.Errorf("failed to register submitpackage: %w", errRegisterSubmit)
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Password,
		DisableTLS:   cfg.DisableTLS,
		HTTPPostMode: true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc client: %w", err)
	}
	return &RPCBroadcaster{client: client, network: network}, nil
}

// Broadcast sends tx with sendrawtransaction. A transaction already in the
// chain counts as broadcast.
func (b *RPCBroadcaster) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	logger := logging.GetLoggerFromContext(ctx)

	logger.Sugar().Infof("Attempting to broadcast transaction with txid %s", tx.TxID())
	txHash, err := b.client.SendRawTransaction(tx, false)
	if err != nil {
		if alreadyBroadcasted(err) {
			logger.Sugar().Infof("Transaction %s already in chain", tx.TxID())
			b.record(ctx, "tx", nil)
			return nil
		}
		b.record(ctx, "tx", err)
		return fmt.Errorf("failed to broadcast transaction %s: %w", tx.TxID(), err)
	}
	b.record(ctx, "tx", nil)
	logger.Sugar().Infof("Successfully broadcast transaction (txhash: %s)", txHash)
	return nil
}

// SubmitPackage relays txs, parents first, with submitpackage.
func (b *RPCBroadcaster) SubmitPackage(ctx context.Context, txs []*wire.MsgTx) error {
	rawTxns := make([]string, 0, len(txs))
	for _, tx := range txs {
		raw, err := common.SerializeTxHex(tx)
		if err != nil {
			return err
		}
		rawTxns = append(rawTxns, raw)
	}
	err := submitPackage(b.client, rawTxns)
	b.record(ctx, "package", err)
	if err != nil {
		return err
	}
	logging.GetLoggerFromContext(ctx).Info("submitted package", zap.Int("txs", len(txs)))
	return nil
}

func submitPackage(client bitcoinClient, rawTxns []string) error {
	respChan := client.SendCmd(&submitPackageCmd{RawTxns: rawTxns})
	resBytes, err := rpcclient.ReceiveFuture(respChan)
	if err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}

	var result submitPackageResult
	if err := json.Unmarshal(resBytes, &result); err != nil {
		return err
	}
	if result.PackageMsg != "success" {
		return fmt.Errorf("package submission of %d transactions failed: %s", len(rawTxns), resBytes)
	}
	return nil
}

func (b *RPCBroadcaster) record(ctx context.Context, kind string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	broadcastCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("network", b.network),
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

// alreadyBroadcasted reports whether err says the transaction is already
// confirmed.
func alreadyBroadcasted(err error) bool {
	var rpcErr *btcjson.RPCError

	return errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCVerifyAlreadyInChain
}
