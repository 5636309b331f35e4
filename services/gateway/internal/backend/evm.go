package backend

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/namegate/namegate/pkg/metadata"
	"github.com/namegate/namegate/pkg/namehash"
)

const recordStoreABI = `[
{"name":"isApprovedFor","type":"function","stateMutability":"view","inputs":[{"name":"context","type":"bytes"},{"name":"node","type":"bytes32"},{"name":"delegate","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
{"name":"setRecord","type":"function","stateMutability":"nonpayable","inputs":[{"name":"node","type":"bytes32"},{"name":"context","type":"bytes"},{"name":"data","type":"bytes"},{"name":"inception","type":"uint64"}],"outputs":[]}
]`

// ContractCaller is the read slice of an RPC client. *ethclient.Client
// satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Transactor submits a prepared record write to a chain contract and returns
// the transaction hash. Writes confirm asynchronously; the gateway only ever
// reports them as pending.
type Transactor interface {
	Submit(ctx context.Context, contract common.Address, calldata []byte) (string, error)
}

// EVMClient talks to an EVM record-store contract at the descriptor's
// location address.
type EVMClient struct {
	caller     ContractCaller
	contract   common.Address
	transactor Transactor
	parsedABI  abi.ABI
}

func NewEVMFactory(caller ContractCaller, transactor Transactor) Factory {
	return func(desc metadata.Descriptor) (Client, error) {
		return NewEVMClient(caller, desc.EVMLocation(), transactor)
	}
}

func NewEVMClient(caller ContractCaller, contract common.Address, transactor Transactor) (*EVMClient, error) {
	parsed, err := abi.JSON(strings.NewReader(recordStoreABI))
	if err != nil {
		return nil, err
	}
	return &EVMClient{caller: caller, contract: contract, transactor: transactor, parsedABI: parsed}, nil
}

func (c *EVMClient) IsApprovedFor(ctx context.Context, recordContext []byte, node namehash.Node, principal common.Address) (bool, error) {
	input, err := c.parsedABI.Pack("isApprovedFor", recordContext, [32]byte(node), principal)
	if err != nil {
		return false, err
	}
	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, nil)
	if err != nil {
		return false, classifyTransport(err)
	}
	out, err := c.parsedABI.Unpack("isApprovedFor", raw)
	if err != nil || len(out) != 1 {
		return false, fmt.Errorf("%w: bad isApprovedFor return", ErrBackendRejected)
	}
	approved, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: bad isApprovedFor return", ErrBackendRejected)
	}
	return approved, nil
}

// Apply submits setRecord through the configured transactor. Chain writes
// are asynchronous: success here means submitted, not confirmed. Without a
// transactor the client is read-only and every apply fails terminally.
func (c *EVMClient) Apply(ctx context.Context, node namehash.Node, recordContext, payload []byte, inception int64) (CommitResult, error) {
	if c.transactor == nil {
		return CommitResult{}, fmt.Errorf("%w: no transactor configured for chain writes", ErrBackendRejected)
	}
	calldata, err := c.parsedABI.Pack("setRecord", [32]byte(node), recordContext, payload, uint64(inception))
	if err != nil {
		return CommitResult{}, err
	}
	txHash, err := c.transactor.Submit(ctx, c.contract, calldata)
	if err != nil {
		return CommitResult{}, classifyTransport(err)
	}
	return CommitResult{Status: StatusPending, Ref: txHash}, nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
}

// TxSender is the write slice of an RPC client needed by KeyedTransactor.
type TxSender interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// KeyedTransactor signs record writes with a local key. Gas is fixed rather
// than estimated: setRecord cost is dominated by payload size and the cap
// below covers the store's maximum record. Submissions are serialized so
// concurrent applies cannot fetch the same pending nonce.
type KeyedTransactor struct {
	sender  TxSender
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int

	mu sync.Mutex
}

const recordWriteGasLimit = 500_000

func NewKeyedTransactor(sender TxSender, key *ecdsa.PrivateKey, chainID *big.Int) *KeyedTransactor {
	return &KeyedTransactor{
		sender:  sender,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}
}

func (t *KeyedTransactor) Submit(ctx context.Context, contract common.Address, calldata []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nonce, err := t.sender.PendingNonceAt(ctx, t.from)
	if err != nil {
		return "", err
	}
	gasPrice, err := t.sender.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}
	tx := types.NewTransaction(nonce, contract, big.NewInt(0), recordWriteGasLimit, gasPrice, calldata)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return "", err
	}
	if err := t.sender.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}
