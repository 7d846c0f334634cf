package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/lightsparkdev/rewind/common"
	"github.com/lightsparkdev/rewind/common/logging"
)

const (
	// esploraChainPageSize is the number of confirmed transactions Esplora
	// returns per history page.
	esploraChainPageSize = 25
	// DefaultIrreversibleDepth is the confirmation count after which a
	// transaction is treated as final.
	DefaultIrreversibleDepth = 6
	defaultHTTPTimeout       = 30 * time.Second
	maxResponseBytes         = 4 << 20
)

// EsploraConfig configures an EsploraClient.
type EsploraConfig struct {
	// BaseURL is the API root, e.g. https://mempool.space/api.
	BaseURL           string
	IrreversibleDepth int64
	HTTPClient        *http.Client
}

// EsploraClient implements Explorer and Broadcaster over the Esplora REST API.
type EsploraClient struct {
	baseURL           string
	irreversibleDepth int64
	httpClient        *http.Client
}

// NewEsploraClient returns a client for cfg.BaseURL.
func NewEsploraClient(cfg EsploraConfig) (*EsploraClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("esplora base url required")
	}
	depth := cfg.IrreversibleDepth
	if depth <= 0 {
		depth = DefaultIrreversibleDepth
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &EsploraClient{
		baseURL:           strings.TrimRight(cfg.BaseURL, "/"),
		irreversibleDepth: depth,
		httpClient:        httpClient,
	}, nil
}

type esploraStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

type esploraTx struct {
	TxID   string        `json:"txid"`
	Status esploraStatus `json:"status"`
}

type esploraOutspend struct {
	Spent  bool          `json:"spent"`
	TxID   string        `json:"txid"`
	Vin    uint32        `json:"vin"`
	Status esploraStatus `json:"status"`
}

type statusError struct {
	method, path string
	code         int
	body         string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("esplora %s %s: status %d: %s", e.method, e.path, e.code, e.body)
}

func (c *EsploraClient) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("esplora %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("esplora %s %s: failed to read body: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{method: method, path: path, code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func (c *EsploraClient) getJSON(ctx context.Context, path string, v any) error {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("esplora GET %s: failed to decode: %w", path, err)
	}
	return nil
}

// TipHeight returns the height of the best block.
func (c *EsploraClient) TipHeight(ctx context.Context) (int64, error) {
	data, err := c.do(ctx, http.MethodGet, "/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid tip height %q: %w", data, err)
	}
	return height, nil
}

func (c *EsploraClient) FetchTxHistory(ctx context.Context, pkScript []byte) ([]TxHistory, error) {
	scriptHash := ScriptHash(pkScript)
	logger := logging.GetLoggerFromContext(ctx)

	var txs []esploraTx
	if err := c.getJSON(ctx, "/scripthash/"+scriptHash+"/txs", &txs); err != nil {
		return nil, err
	}
	page := txs
	for {
		var lastConfirmed string
		confirmed := 0
		for _, tx := range page {
			if tx.Status.Confirmed {
				confirmed++
				lastConfirmed = tx.TxID
			}
		}
		if confirmed < esploraChainPageSize {
			break
		}
		page = nil
		if err := c.getJSON(ctx, "/scripthash/"+scriptHash+"/txs/chain/"+lastConfirmed, &page); err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		txs = append(txs, page...)
	}

	var tip int64
	history := make([]TxHistory, 0, len(txs))
	for _, tx := range txs {
		txid, err := chainhash.NewHashFromStr(tx.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %q in history: %w", tx.TxID, err)
		}
		if tx.Status.Confirmed && tip == 0 {
			if tip, err = c.TipHeight(ctx); err != nil {
				return nil, err
			}
		}
		history = append(history, TxHistory{
			TxID:         *txid,
			Confirmed:    tx.Status.Confirmed,
			BlockHeight:  tx.Status.BlockHeight,
			Irreversible: tx.Status.Confirmed && IsIrreversible(tx.Status.BlockHeight, tip, c.irreversibleDepth),
		})
	}
	SortHistory(history)
	logger.Debug("fetched script history", zap.String("script_hash", scriptHash), zap.Int("txs", len(history)))
	return history, nil
}

func (c *EsploraClient) FetchTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	data, err := c.do(ctx, http.MethodGet, "/tx/"+txid.String()+"/hex", nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
		}
		return nil, err
	}
	tx, err := common.TxFromRawTxHex(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction %s: %w", txid, err)
	}
	if tx.TxHash() != txid {
		return nil, fmt.Errorf("esplora returned transaction %s for %s", tx.TxHash(), txid)
	}
	return tx, nil
}

func (c *EsploraClient) FetchOutspend(ctx context.Context, outpoint wire.OutPoint) (*Outspend, error) {
	var resp esploraOutspend
	path := fmt.Sprintf("/tx/%s/outspend/%d", outpoint.Hash, outpoint.Index)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	if !resp.Spent {
		return &Outspend{}, nil
	}
	txid, err := chainhash.NewHashFromStr(resp.TxID)
	if err != nil {
		return nil, fmt.Errorf("invalid spending txid %q: %w", resp.TxID, err)
	}
	out := &Outspend{
		Spent:       true,
		TxID:        *txid,
		Vin:         resp.Vin,
		Confirmed:   resp.Status.Confirmed,
		BlockHeight: resp.Status.BlockHeight,
	}
	if out.Confirmed {
		tip, err := c.TipHeight(ctx)
		if err != nil {
			return nil, err
		}
		out.Irreversible = IsIrreversible(out.BlockHeight, tip, c.irreversibleDepth)
	}
	return out, nil
}

// Broadcast posts the raw transaction.
func (c *EsploraClient) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	raw, err := common.SerializeTx(tx)
	if err != nil {
		return err
	}
	data, err := c.do(ctx, http.MethodPost, "/tx", strings.NewReader(hex.EncodeToString(raw)))
	if err != nil {
		return err
	}
	if got := strings.TrimSpace(string(data)); got != tx.TxID() {
		return fmt.Errorf("esplora accepted %s, expected %s", got, tx.TxID())
	}
	logging.GetLoggerFromContext(ctx).Info("broadcast transaction", zap.String("txid", tx.TxID()))
	return nil
}
