package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"fcpm/bridge/internal/config"
)

// SimulationResult is the outcome of a read-only contract call executed
// before paying to broadcast. A predicted revert is a business-logic
// rejection, not a transport failure.
type SimulationResult struct {
	WillSucceed  bool
	RevertReason string
}

// ConfirmationStatus is the outcome of waiting for a broadcast transaction.
type ConfirmationStatus string

const (
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationTimedOut  ConfirmationStatus = "timed_out"
	ConfirmationReverted  ConfirmationStatus = "reverted"
)

// BroadcastError wraps a failure to get a transaction onto the network
// (nonce conflict, underpriced fee, connectivity loss). A retry requires a
// fresh simulate+broadcast cycle, never a resend of the same signed call.
type BroadcastError struct {
	Err error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast failed: %v", e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// Client wraps Ethereum client functionality for interacting with the
// oracle chain. It is the only component holding the signing credential.
type Client struct {
	ethClient   *ethclient.Client
	chainConfig *config.ChainConfig
	privateKey  *ecdsa.PrivateKey
	fromAddress common.Address
	logger      *zap.Logger

	// Serializes nonce allocation across concurrent broadcasts for the
	// single signing identity.
	broadcastMu sync.Mutex
}

// NewClient creates a new EVM client for the configured chain
func NewClient(chainCfg *config.ChainConfig, operatorPrivateKey string, logger *zap.Logger) (*Client, error) {
	ethClient, err := ethclient.Dial(chainCfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", chainCfg.RPCEndpoint, err)
	}

	privateKeyHex := strings.TrimPrefix(operatorPrivateKey, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKey := privateKey.Public()
	publicKeyECDSA, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}
	fromAddress := crypto.PubkeyToAddress(*publicKeyECDSA)

	logger.Info("EVM client initialized",
		zap.Int64("chain_id", chainCfg.ChainID),
		zap.String("chain_name", chainCfg.Name),
		zap.String("operator_address", fromAddress.Hex()))

	return &Client{
		ethClient:   ethClient,
		chainConfig: chainCfg,
		privateKey:  privateKey,
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.ethClient.Close()
}

// OperatorAddress returns the operator's address
func (c *Client) OperatorAddress() common.Address {
	return c.fromAddress
}

// CurrentHeight returns the latest block number, used as a liveness probe
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// Call executes a read-only contract call and returns the raw result
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.ethClient.CallContract(ctx, ethereum.CallMsg{
		From: c.fromAddress,
		To:   &to,
		Data: data,
	}, nil)
}

// Simulate executes the call read-only from the operator address against
// current chain state. A revert is reported in the result, not as an error;
// errors are reserved for transport failures.
func (c *Client) Simulate(ctx context.Context, to common.Address, data []byte) (SimulationResult, error) {
	_, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{
		From: c.fromAddress,
		To:   &to,
		Data: data,
	}, nil)
	if err == nil {
		return SimulationResult{WillSucceed: true}, nil
	}

	if reason, ok := revertReason(err); ok {
		c.logger.Info("Simulation predicted revert",
			zap.String("contract", to.Hex()),
			zap.String("revert_reason", reason))
		return SimulationResult{WillSucceed: false, RevertReason: reason}, nil
	}

	return SimulationResult{}, fmt.Errorf("simulation call failed: %w", err)
}

// Broadcast signs and sends a transaction carrying the given calldata.
// Nonce allocation and send run under a global lock for the signing key so
// concurrent subjects cannot collide on nonces. The client never retries a
// broadcast on ambiguous failure; the transaction may already be in flight.
func (c *Client) Broadcast(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	c.broadcastMu.Lock()
	defer c.broadcastMu.Unlock()

	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return common.Hash{}, &BroadcastError{Err: fmt.Errorf("failed to get chain ID: %w", err)}
	}

	nonce, err := c.ethClient.PendingNonceAt(ctx, c.fromAddress)
	if err != nil {
		return common.Hash{}, &BroadcastError{Err: fmt.Errorf("failed to get nonce: %w", err)}
	}

	gasPrice, err := c.ethClient.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &BroadcastError{Err: fmt.Errorf("failed to suggest gas price: %w", err)}
	}

	gasLimit, err := c.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From: c.fromAddress,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return common.Hash{}, &BroadcastError{Err: fmt.Errorf("failed to estimate gas: %w", err)}
	}

	// Add 20% buffer
	gasLimit = gasLimit * 120 / 100

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(chainID), c.privateKey)
	if err != nil {
		return common.Hash{}, &BroadcastError{Err: fmt.Errorf("failed to sign transaction: %w", err)}
	}

	if err := c.ethClient.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, &BroadcastError{Err: fmt.Errorf("failed to send transaction: %w", err)}
	}

	c.logger.Info("Transaction broadcast",
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))

	return signedTx.Hash(), nil
}

// AwaitConfirmation polls for the transaction receipt until the timeout.
// A timeout is not a failure: the transaction may still land, so the
// ambiguous outcome is surfaced as ConfirmationTimedOut for external
// reconciliation.
func (c *Client) AwaitConfirmation(ctx context.Context, txHash common.Hash, timeout time.Duration) (ConfirmationStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poll := c.chainConfig.ConfirmationPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Warn("Confirmation wait timed out",
				zap.String("tx_hash", txHash.Hex()),
				zap.Duration("timeout", timeout))
			return ConfirmationTimedOut, nil
		case <-ticker.C:
			receipt, err := c.ethClient.TransactionReceipt(ctx, txHash)
			if err != nil || receipt == nil {
				// Not yet mined, keep waiting
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				c.logger.Error("Transaction reverted on-chain",
					zap.String("tx_hash", txHash.Hex()),
					zap.Uint64("block_number", receipt.BlockNumber.Uint64()))
				return ConfirmationReverted, nil
			}
			c.logger.Info("Transaction confirmed",
				zap.String("tx_hash", txHash.Hex()),
				zap.Uint64("gas_used", receipt.GasUsed),
				zap.Uint64("block_number", receipt.BlockNumber.Uint64()))
			return ConfirmationConfirmed, nil
		}
	}
}

// CheckTransaction looks up the transaction receipt once without waiting.
// Returns found=false when the transaction is not yet mined or unknown.
func (c *Client) CheckTransaction(ctx context.Context, txHash common.Hash) (ConfirmationStatus, bool, error) {
	receipt, err := c.ethClient.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to fetch receipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return ConfirmationReverted, true, nil
	}
	return ConfirmationConfirmed, true, nil
}

// revertReason extracts a human-readable revert reason from an eth_call
// error. Returns false when the error is a transport failure rather than
// an EVM revert.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if raw, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
			}
		}
		// Revert with undecodable or empty data
		if strings.Contains(err.Error(), "execution reverted") {
			return strings.TrimSpace(strings.TrimPrefix(err.Error(), "execution reverted:")), true
		}
	}

	if strings.Contains(err.Error(), "execution reverted") {
		return strings.TrimSpace(strings.TrimPrefix(err.Error(), "execution reverted:")), true
	}

	return "", false
}
