// Package chain 链上订单簿合约的 go-ethereum 适配
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gogogo1024/cex-trade-core/biz/onchain"
	"go.uber.org/zap"
)

const orderBookABI = `[
 {"type":"function","name":"getOpenOrders","stateMutability":"view",
  "inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"}],
  "outputs":[{"name":"","type":"tuple[]","components":[
    {"name":"id","type":"uint256"},{"name":"maker","type":"address"},{"name":"isBuy","type":"bool"},
    {"name":"amountA","type":"uint256"},{"name":"amountB","type":"uint256"}]}]},
 {"type":"function","name":"executeTrade","stateMutability":"nonpayable",
  "inputs":[{"name":"buyId","type":"uint256"},{"name":"sellId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"cancelOrder","stateMutability":"nonpayable",
  "inputs":[{"name":"id","type":"uint256"}],"outputs":[]}
]`

// orderTuple 字段名与 ABI 解码出的匿名结构一致，才能整体转换
type orderTuple struct {
	Id      *big.Int
	Maker   common.Address
	IsBuy   bool
	AmountA *big.Int
	AmountB *big.Int
}

var ErrMissingKey = errors.New("on-chain signing key not configured")

type Config struct {
	RPCURL     string
	ChainID    int64
	Contract   string
	PrivateKey string
}

// Ledger 通过 RPC 读写链上订单簿
type Ledger struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	logger   *zap.Logger
}

var _ onchain.Ledger = (*Ledger)(nil)

func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Ledger, error) {
	hexKey := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if hexKey == "" {
		return nil, ErrMissingKey
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(orderBookABI))
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = client.ChainID(ctx); err != nil {
			client.Close()
			return nil, err
		}
	}
	addr := common.HexToAddress(cfg.Contract)
	l := &Ledger{
		client:   client,
		contract: bind.NewBoundContract(addr, parsed, client, client, client),
		key:      key,
		chainID:  chainID,
		logger:   logger,
	}
	logger.Info("chain ledger connected",
		zap.String("rpc", cfg.RPCURL),
		zap.String("contract", addr.Hex()),
		zap.String("operator", crypto.PubkeyToAddress(key.PublicKey).Hex()),
		zap.String("chain_id", chainID.String()))
	return l, nil
}

func (l *Ledger) GetOpenOrders(ctx context.Context, tokenA, tokenB string) ([]onchain.Order, error) {
	var out []interface{}
	err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getOpenOrders",
		common.HexToAddress(tokenA), common.HexToAddress(tokenB))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	tuples := *abi.ConvertType(out[0], new([]orderTuple)).(*[]orderTuple)
	orders := make([]onchain.Order, 0, len(tuples))
	for _, t := range tuples {
		orders = append(orders, onchain.Order{
			ID:      t.Id.String(),
			Maker:   t.Maker.Hex(),
			IsBuy:   t.IsBuy,
			AmountA: t.AmountA,
			AmountB: t.AmountB,
		})
	}
	return orders, nil
}

// ExecuteTrade 发送交易并等待上链，ctx 决定最长等待时间
func (l *Ledger) ExecuteTrade(ctx context.Context, buyID, sellID string) error {
	buy, ok := new(big.Int).SetString(buyID, 10)
	if !ok {
		return fmt.Errorf("bad order id %q", buyID)
	}
	sell, ok := new(big.Int).SetString(sellID, 10)
	if !ok {
		return fmt.Errorf("bad order id %q", sellID)
	}
	return l.transact(ctx, "executeTrade", buy, sell)
}

func (l *Ledger) CancelOrder(ctx context.Context, id string) error {
	v, ok := new(big.Int).SetString(id, 10)
	if !ok {
		return fmt.Errorf("bad order id %q", id)
	}
	return l.transact(ctx, "cancelOrder", v)
}

func (l *Ledger) transact(ctx context.Context, method string, params ...interface{}) error {
	opts, err := bind.NewKeyedTransactorWithChainID(l.key, l.chainID)
	if err != nil {
		return err
	}
	opts.Context = ctx
	tx, err := l.contract.Transact(opts, method, params...)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	l.logger.Debug("tx sent", zap.String("method", method), zap.String("tx", tx.Hash().Hex()))
	receipt, err := bind.WaitMined(ctx, l.client, tx)
	if err != nil {
		return fmt.Errorf("%s: wait %s: %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%s: tx %s reverted", method, tx.Hash().Hex())
	}
	return nil
}

func (l *Ledger) Close() {
	l.client.Close()
}
