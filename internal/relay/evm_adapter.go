package relay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"hub-backend/internal/bus"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// bridgeABI covers the single entry point the coordinator calls on the
// destination bridge contract.
const bridgeABI = `[
	{
		"inputs": [
			{"name": "transferId", "type": "bytes32"},
			{"name": "recipient", "type": "bytes32"},
			{"name": "amount", "type": "uint256"},
			{"name": "token", "type": "bytes32"},
			{"name": "sourceChain", "type": "uint64"},
			{"name": "nonce", "type": "uint64"}
		],
		"name": "relayTransfer",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

const defaultRelayGasLimit = 300000

// EVMAdapterConfig carries per-chain connection settings.
type EVMAdapterConfig struct {
	ChainID        uint64
	RPCURL         string
	BridgeContract string
	PrivateKey     string // hex encoded, with or without 0x prefix
	GasLimit       uint64
	GasPrice       string // decimal wei, empty or "auto" for suggested price
	ConfirmTimeout time.Duration
}

// EVMAdapter submits relayTransfer transactions to one EVM chain.
type EVMAdapter struct {
	cfg       EVMAdapterConfig
	client    *ethclient.Client
	parsedABI abi.ABI
	key       *ecdsa.PrivateKey
	from      common.Address
	chainID   *big.Int
}

func NewEVMAdapter(cfg EVMAdapterConfig) (*EVMAdapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chain %d: rpc url is required", cfg.ChainID)
	}
	if cfg.BridgeContract == "" {
		return nil, fmt.Errorf("chain %d: bridge contract address is required", cfg.ChainID)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain %d: invalid relayer private key: %w", cfg.ChainID, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(bridgeABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse bridge ABI: %w", err)
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain %d: failed to connect to %s: %w", cfg.ChainID, cfg.RPCURL, err)
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	log.Printf("🔌 [EVMAdapter] chain %d ready: contract=%s, relayer=%s", cfg.ChainID, cfg.BridgeContract, from.Hex())

	return &EVMAdapter{
		cfg:       cfg,
		client:    client,
		parsedABI: parsedABI,
		key:       key,
		from:      from,
		chainID:   new(big.Int).SetUint64(cfg.ChainID),
	}, nil
}

func (a *EVMAdapter) ChainID() uint64 { return a.cfg.ChainID }

// Deliver packs the message into a relayTransfer call, signs it with the
// relayer key and waits for the receipt.
func (a *EVMAdapter) Deliver(ctx context.Context, msg *bus.RelayMessage) (*DeliveryReceipt, error) {
	callData, err := a.parsedABI.Pack(
		"relayTransfer",
		[32]byte(msg.TransferID),
		[32]byte(msg.Recipient),
		msg.Amount,
		[32]byte(msg.Token),
		msg.SourceChain,
		msg.Nonce,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack relayTransfer call: %w", err)
	}

	tx, err := a.buildUnsignedTransaction(ctx, callData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}

	signer := types.NewEIP155Signer(a.chainID)
	sigHash := signer.Hash(tx)
	signature, err := crypto.Sign(sigHash.Bytes(), a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign relay transaction: %w", err)
	}
	signedTx, err := tx.WithSignature(signer, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to apply signature: %w", err)
	}

	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}
	log.Printf("🚀 [EVMAdapter] chain %d: relay tx sent: %s", a.cfg.ChainID, signedTx.Hash().Hex())

	waitCtx := ctx
	if a.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.cfg.ConfirmTimeout)
		defer cancel()
	}
	receipt, err := bind.WaitMined(waitCtx, a.client, signedTx)
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for receipt of %s: %v", ErrChainUnavailable, signedTx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: tx %s", ErrRelayReverted, signedTx.Hash().Hex())
	}

	log.Printf("✅ [EVMAdapter] chain %d: relay confirmed: tx=%s, block=%d, gasUsed=%d",
		a.cfg.ChainID, signedTx.Hash().Hex(), receipt.BlockNumber.Uint64(), receipt.GasUsed)

	return &DeliveryReceipt{
		TxHash:      signedTx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

func (a *EVMAdapter) buildUnsignedTransaction(ctx context.Context, callData []byte) (*types.Transaction, error) {
	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	var gasPrice *big.Int
	if a.cfg.GasPrice != "" && a.cfg.GasPrice != "auto" {
		gasPrice, _ = new(big.Int).SetString(a.cfg.GasPrice, 10)
	}
	if gasPrice == nil {
		suggested, err := a.client.SuggestGasPrice(ctx)
		if err != nil {
			gasPrice = big.NewInt(5000000000) // 5 Gwei
		} else {
			gasPrice = new(big.Int).Mul(suggested, big.NewInt(120))
			gasPrice = gasPrice.Div(gasPrice, big.NewInt(100))
		}
	}

	gasLimit := a.cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultRelayGasLimit
	}

	contract := common.HexToAddress(a.cfg.BridgeContract)
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     callData,
	}), nil
}

// CurrentBlockHeight reports the destination chain head.
func (a *EVMAdapter) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	height, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}
	return height, nil
}

// Confirmations counts blocks mined on top of the given relay transaction.
func (a *EVMAdapter) Confirmations(ctx context.Context, txHash string) (uint64, error) {
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}

	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return 0, nil
	}
	return head - mined + 1, nil
}

// RelayerAddress returns the account funding dispatches on this chain.
func (a *EVMAdapter) RelayerAddress() common.Address { return a.from }

// RelayerBalance reads the relayer account balance in wei.
func (a *EVMAdapter) RelayerBalance(ctx context.Context) (*big.Int, error) {
	balance, err := a.client.BalanceAt(ctx, a.from, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}
	return balance, nil
}

// Close releases the underlying RPC connection.
func (a *EVMAdapter) Close() {
	a.client.Close()
}
