package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"fcpm/bridge/internal/config"
	"fcpm/bridge/internal/transform"
)

// OracleABI is the ABI for the zkTLS oracle contract, limited to the
// market-resolution entry point the bridge exercises.
const OracleABI = `[
	{
		"inputs": [
			{"internalType": "uint256", "name": "marketId", "type": "uint256"},
			{
				"components": [
					{
						"components": [
							{"internalType": "string", "name": "provider", "type": "string"},
							{"internalType": "string", "name": "parameters", "type": "string"},
							{"internalType": "string", "name": "context", "type": "string"}
						],
						"internalType": "struct Claims.ClaimInfo",
						"name": "claimInfo",
						"type": "tuple"
					},
					{
						"components": [
							{
								"components": [
									{"internalType": "bytes32", "name": "identifier", "type": "bytes32"},
									{"internalType": "address", "name": "owner", "type": "address"},
									{"internalType": "uint32", "name": "timestampS", "type": "uint32"},
									{"internalType": "uint32", "name": "epoch", "type": "uint32"}
								],
								"internalType": "struct Claims.CompleteClaimData",
								"name": "claim",
								"type": "tuple"
							},
							{"internalType": "bytes[]", "name": "signatures", "type": "bytes[]"}
						],
						"internalType": "struct Claims.SignedClaim",
						"name": "signedClaim",
						"type": "tuple"
					}
				],
				"internalType": "struct Reclaim.Proof",
				"name": "proof",
				"type": "tuple"
			}
		],
		"name": "resolveMarket",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "marketId", "type": "uint256"}],
		"name": "isResolved",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// Oracle provides methods to interact with the oracle contract
type Oracle struct {
	client  *Client
	address common.Address
	abi     abi.ABI
	logger  *zap.Logger
}

// NewOracle creates a new Oracle bound to the configured contract address
func NewOracle(client *Client, chainCfg *config.ChainConfig, logger *zap.Logger) (*Oracle, error) {
	parsedABI, err := abi.JSON(strings.NewReader(OracleABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse oracle ABI: %w", err)
	}

	if !common.IsHexAddress(chainCfg.OracleAddress) {
		return nil, fmt.Errorf("invalid oracle contract address: %s", chainCfg.OracleAddress)
	}

	return &Oracle{
		client:  client,
		address: common.HexToAddress(chainCfg.OracleAddress),
		abi:     parsedABI,
		logger:  logger,
	}, nil
}

// Address returns the oracle contract address
func (o *Oracle) Address() common.Address {
	return o.address
}

// EncodeResolveMarket packs the resolveMarket calldata for a subject and
// its transformed proof payload
func (o *Oracle) EncodeResolveMarket(subject uint64, payload transform.OnchainPayload) ([]byte, error) {
	data, err := o.abi.Pack("resolveMarket", new(big.Int).SetUint64(subject), payload)
	if err != nil {
		return nil, fmt.Errorf("failed to pack resolveMarket call: %w", err)
	}
	return data, nil
}

// SimulateResolve predicts whether resolving the market would succeed
func (o *Oracle) SimulateResolve(ctx context.Context, subject uint64, payload transform.OnchainPayload) (SimulationResult, error) {
	data, err := o.EncodeResolveMarket(subject, payload)
	if err != nil {
		return SimulationResult{}, err
	}
	return o.client.Simulate(ctx, o.address, data)
}

// BroadcastResolve signs and sends the resolving transaction
func (o *Oracle) BroadcastResolve(ctx context.Context, subject uint64, payload transform.OnchainPayload) (string, error) {
	data, err := o.EncodeResolveMarket(subject, payload)
	if err != nil {
		return "", err
	}

	o.logger.Info("Broadcasting market resolution",
		zap.Uint64("subject", subject),
		zap.String("oracle", o.address.Hex()))

	txHash, err := o.client.Broadcast(ctx, o.address, data)
	if err != nil {
		return "", err
	}
	return txHash.Hex(), nil
}

// AwaitConfirmation waits for the resolving transaction to be mined
func (o *Oracle) AwaitConfirmation(ctx context.Context, txHash string, timeout time.Duration) (ConfirmationStatus, error) {
	return o.client.AwaitConfirmation(ctx, common.HexToHash(txHash), timeout)
}

// CheckResolve looks up the resolving transaction's receipt once.
// Returns found=false when the transaction has not been mined.
func (o *Oracle) CheckResolve(ctx context.Context, txHash string) (ConfirmationStatus, bool, error) {
	return o.client.CheckTransaction(ctx, common.HexToHash(txHash))
}

// IsResolved queries the oracle's view of whether the market has already
// been resolved, independent of any particular transaction
func (o *Oracle) IsResolved(ctx context.Context, subject uint64) (bool, error) {
	data, err := o.abi.Pack("isResolved", new(big.Int).SetUint64(subject))
	if err != nil {
		return false, fmt.Errorf("failed to pack isResolved call: %w", err)
	}

	raw, err := o.client.Call(ctx, o.address, data)
	if err != nil {
		return false, fmt.Errorf("isResolved call failed: %w", err)
	}

	out, err := o.abi.Unpack("isResolved", raw)
	if err != nil {
		return false, fmt.Errorf("failed to unpack isResolved result: %w", err)
	}
	resolved, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected isResolved result type")
	}
	return resolved, nil
}
