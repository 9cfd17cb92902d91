package chainadapter

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/1balancer/swap-orchestrator/pkg/retry"
	"github.com/1balancer/swap-orchestrator/pkg/utils"
)

// htlcABI is the minimal escrow interface the EVM adapter calls. The
// escrow contract itself is an external collaborator (spec §1); the
// orchestrator only needs to encode calls against its known selectors.
const htlcABIJSON = `[
	{"type":"function","name":"lock","inputs":[
		{"name":"hashlock","type":"bytes32"},
		{"name":"taker","type":"address"},
		{"name":"deadline","type":"uint256"}
	],"stateMutability":"payable"},
	{"type":"function","name":"reveal","inputs":[
		{"name":"escrowRef","type":"bytes32"},
		{"name":"preimage","type":"bytes32"}
	],"stateMutability":"nonpayable"},
	{"type":"function","name":"refund","inputs":[
		{"name":"escrowRef","type":"bytes32"}
	],"stateMutability":"nonpayable"},
	{"type":"event","name":"EscrowLocked","inputs":[
		{"name":"hashlock","type":"bytes32","indexed":true},
		{"name":"escrowRef","type":"bytes32","indexed":false}
	]},
	{"type":"event","name":"SecretRevealed","inputs":[
		{"name":"hashlock","type":"bytes32","indexed":true},
		{"name":"preimage","type":"bytes32","indexed":false}
	]}
]`

var htlcABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(htlcABIJSON))
	if err != nil {
		panic(fmt.Sprintf("chainadapter: invalid htlc ABI: %v", err))
	}
	htlcABI = parsed
}

// EVMAdapter implements Adapter for an EVM-family chain ("source" chain of
// the spec). It dials a ranked endpoint list, pins the chain's network
// identity, and submits lock/reveal/refund transactions signed by a local
// key — mirroring ChoSanghyuk-blackholedex's ethclient.Dial + approve/send
// pattern, generalized from a DEX router call to an HTLC escrow call.
type EVMAdapter struct {
	chainTag              string
	endpoints             []string
	chainID               *big.Int
	escrowAddress         common.Address
	requiredConfirmations uint64
	privateKey            *ecdsa.PrivateKey
	fromAddr              common.Address
	retryPolicy           retry.Policy

	mu     sync.RWMutex
	client *ethclient.Client

	actionsMu sync.Mutex
	actions   map[string]TxRef

	log *zap.SugaredLogger
}

// EVMConfig configures an EVMAdapter.
type EVMConfig struct {
	ChainTag              string
	Endpoints             []string
	ChainID               *big.Int
	EscrowAddress          common.Address
	RequiredConfirmations uint64
	PrivateKey            *ecdsa.PrivateKey
	RetryPolicy           retry.Policy
}

// NewEVMAdapter dials the first reachable endpoint and verifies its
// network id matches the configured chain id (spec §4.4 "network identity
// is pinned").
func NewEVMAdapter(ctx context.Context, cfg EVMConfig) (*EVMAdapter, error) {
	a := &EVMAdapter{
		chainTag:              cfg.ChainTag,
		endpoints:             cfg.Endpoints,
		chainID:               cfg.ChainID,
		escrowAddress:         cfg.EscrowAddress,
		requiredConfirmations: cfg.RequiredConfirmations,
		privateKey:            cfg.PrivateKey,
		retryPolicy:           cfg.RetryPolicy,
		actions:               make(map[string]TxRef),
		log:                   zap.L().Sugar().Named("chainadapter.evm").With("chain", cfg.ChainTag),
	}
	if cfg.PrivateKey != nil {
		a.fromAddr = crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey)
	}
	if err := a.connect(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// connect tries each endpoint in rank order, pinning the chain id on the
// first one that answers the sentinel read (spec §4.4).
func (a *EVMAdapter) connect(ctx context.Context) error {
	var lastErr error
	for _, ep := range a.endpoints {
		client, err := ethclient.DialContext(ctx, ep)
		if err != nil {
			lastErr = err
			continue
		}
		gotID, err := client.NetworkID(ctx)
		if err != nil {
			client.Close()
			lastErr = err
			continue
		}
		if a.chainID != nil && gotID.Cmp(a.chainID) != 0 {
			client.Close()
			lastErr = fmt.Errorf("endpoint %s serves chain id %s, expected %s", ep, gotID, a.chainID)
			continue
		}
		a.mu.Lock()
		a.client = client
		a.mu.Unlock()
		return nil
	}
	return utils.NewCodedError(CodeChainConnectionFailed, fmt.Sprintf("no reachable endpoint: %v", lastErr))
}

func (a *EVMAdapter) currentClient() *ethclient.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

func isTransientRPCError(error) bool { return true }

func (a *EVMAdapter) ChainTag() string { return a.chainTag }

func (a *EVMAdapter) CurrentHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := retry.Do(ctx, a.retryPolicy, isTransientRPCError, func(ctx context.Context) error {
		h, err := a.currentClient().BlockNumber(ctx)
		if err != nil {
			if reconnectErr := a.connect(ctx); reconnectErr == nil {
				h, err = a.currentClient().BlockNumber(ctx)
			}
		}
		height = h
		return err
	})
	if err != nil {
		return 0, utils.NewCodedError(CodeChainConnectionFailed, "current height: "+err.Error())
	}
	return height, nil
}

func (a *EVMAdapter) FinalizedHeight(ctx context.Context) (uint64, error) {
	height, err := a.CurrentHeight(ctx)
	if err != nil {
		return 0, err
	}
	if height < a.requiredConfirmations {
		return 0, nil
	}
	return height - a.requiredConfirmations, nil
}

// GetLogs tolerates provider batch limits by chunking the [from, to]
// window into <=100-block slices, per spec §4.4.
func (a *EVMAdapter) GetLogs(ctx context.Context, from, to uint64) ([]Event, error) {
	const maxChunk = 100
	var out []Event
	for start := from; start <= to; start += maxChunk {
		end := start + maxChunk - 1
		if end > to {
			end = to
		}
		var logs []types.Log
		err := retry.Do(ctx, a.retryPolicy, isTransientRPCError, func(ctx context.Context) error {
			q := ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(start),
				ToBlock:   new(big.Int).SetUint64(end),
				Addresses: []common.Address{a.escrowAddress},
			}
			var err error
			logs, err = a.currentClient().FilterLogs(ctx, q)
			return err
		})
		if err != nil {
			return nil, utils.NewCodedError(CodeChainConnectionFailed, "get logs: "+err.Error())
		}
		for _, lg := range logs {
			ev, ok := decodeEVMLog(a.chainTag, lg)
			if ok {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

func decodeEVMLog(chainTag string, lg types.Log) (Event, bool) {
	if len(lg.Topics) == 0 {
		return Event{}, false
	}
	switch lg.Topics[0] {
	case htlcABI.Events["EscrowLocked"].ID:
		if len(lg.Topics) < 2 {
			return Event{}, false
		}
		var hashlock [32]byte
		copy(hashlock[:], lg.Topics[1].Bytes())
		return Event{
			Chain:      chainTag,
			Kind:       EventSourceEscrowLocked,
			Height:     lg.BlockNumber,
			LogIndex:   uint32(lg.Index),
			BlockHash:  lg.BlockHash.Hex(),
			Hashlock:   hashlock,
			TxHash:     lg.TxHash.Hex(),
			EscrowRef:  common.BytesToHash(lg.Data).Hex(),
			ObservedAt: time.Now(),
		}, true
	case htlcABI.Events["SecretRevealed"].ID:
		if len(lg.Topics) < 2 {
			return Event{}, false
		}
		var hashlock [32]byte
		copy(hashlock[:], lg.Topics[1].Bytes())
		var preimage [32]byte
		copy(preimage[:], lg.Data)
		return Event{
			Chain:      chainTag,
			Kind:       EventSecretRevealed,
			Height:     lg.BlockNumber,
			LogIndex:   uint32(lg.Index),
			BlockHash:  lg.BlockHash.Hex(),
			Hashlock:   hashlock,
			Preimage:   &preimage,
			TxHash:     lg.TxHash.Hex(),
			ObservedAt: time.Now(),
		}, true
	default:
		return Event{}, false
	}
}

func (a *EVMAdapter) TxStatus(ctx context.Context, ref TxRef) (TxRef, error) {
	hash := common.HexToHash(ref.Hash)
	receipt, err := a.currentClient().TransactionReceipt(ctx, hash)
	if err != nil {
		ref.State = TxPending
		return ref, nil
	}
	height, finalErr := a.FinalizedHeight(ctx)
	if finalErr == nil && receipt.BlockNumber.Uint64() <= height {
		ref.State = TxFinalized
	} else {
		ref.State = TxIncluded
	}
	ref.Height = receipt.BlockNumber.Uint64()
	if receipt.Status == types.ReceiptStatusFailed {
		ref.State = TxFailed
		ref.Reason = "transaction reverted"
	}
	return ref, nil
}

func (a *EVMAdapter) LockSource(ctx context.Context, req LockRequest) (TxRef, error) {
	return a.submitIdempotent(ctx, req.Action, func() ([]byte, error) {
		deadline := new(big.Int).SetInt64(req.Deadline.Unix())
		return htlcABI.Pack("lock", req.Hashlock, common.HexToAddress(req.Taker), deadline)
	})
}

func (a *EVMAdapter) LockDestination(ctx context.Context, req LockRequest) (TxRef, error) {
	return a.LockSource(ctx, req)
}

func (a *EVMAdapter) Reveal(ctx context.Context, req RevealRequest) (TxRef, error) {
	return a.submitIdempotent(ctx, req.Action, func() ([]byte, error) {
		return htlcABI.Pack("reveal", common.HexToHash(req.EscrowRef), req.Preimage)
	})
}

func (a *EVMAdapter) Refund(ctx context.Context, req RefundRequest) (TxRef, error) {
	return a.submitIdempotent(ctx, req.Action, func() ([]byte, error) {
		return htlcABI.Pack("refund", common.HexToHash(req.EscrowRef))
	})
}

// submitIdempotent returns the cached TxRef for action.ActionKey() if this
// write was already submitted (spec §4.4 at-most-once submission);
// otherwise it encodes, signs, and sends the transaction.
func (a *EVMAdapter) submitIdempotent(ctx context.Context, action Action, encode func() ([]byte, error)) (TxRef, error) {
	key := action.ActionKey()

	a.actionsMu.Lock()
	if ref, ok := a.actions[key]; ok {
		a.actionsMu.Unlock()
		return ref, nil
	}
	a.actionsMu.Unlock()

	data, err := encode()
	if err != nil {
		return TxRef{}, utils.NewCodedError(CodeTransactionFailed, "encode call: "+err.Error())
	}

	var ref TxRef
	err = retry.Do(ctx, a.retryPolicy, isTransientRPCError, func(ctx context.Context) error {
		client := a.currentClient()
		nonce, err := client.PendingNonceAt(ctx, a.fromAddr)
		if err != nil {
			return err
		}
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &a.escrowAddress,
			Value:    big.NewInt(0),
			Gas:      300_000,
			GasPrice: gasPrice,
			Data:     data,
		})
		signer := types.LatestSignerForChainID(a.chainID)
		signedTx, err := types.SignTx(tx, signer, a.privateKey)
		if err != nil {
			return err
		}
		if err := client.SendTransaction(ctx, signedTx); err != nil {
			return err
		}
		ref = TxRef{Chain: a.chainTag, Hash: signedTx.Hash().Hex(), State: TxPending}
		return nil
	})
	if err != nil {
		return TxRef{}, utils.NewCodedError(CodeTransactionFailed, "submit tx: "+err.Error())
	}

	a.actionsMu.Lock()
	a.actions[key] = ref
	a.actionsMu.Unlock()
	return ref, nil
}
