package backend

import (
	"context"
	"errors"
	"math/big"
	"runtime"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/namegate/namegate/pkg/namehash"
)

type fakeEVMCaller struct {
	out []byte
	err error
}

func (f *fakeEVMCaller) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.out, f.err
}

type fakeTransactor struct {
	hash string
	err  error
}

func (f *fakeTransactor) Submit(ctx context.Context, contract common.Address, calldata []byte) (string, error) {
	return f.hash, f.err
}

func TestEVMIsApprovedFor(t *testing.T) {
	c, err := NewEVMClient(&fakeEVMCaller{}, common.HexToAddress("0x2"), nil)
	if err != nil {
		t.Fatalf("NewEVMClient: %v", err)
	}
	packed, err := c.parsedABI.Methods["isApprovedFor"].Outputs.Pack(true)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	c.caller = &fakeEVMCaller{out: packed}

	approved, err := c.IsApprovedFor(context.Background(), []byte("ctx"), namehash.Hash("a.eth"), common.HexToAddress("0x3"))
	if err != nil {
		t.Fatalf("IsApprovedFor: %v", err)
	}
	if !approved {
		t.Fatalf("expected approved")
	}
}

func TestEVMCallFailureIsUnreachable(t *testing.T) {
	c, _ := NewEVMClient(&fakeEVMCaller{err: errors.New("dial tcp: refused")}, common.HexToAddress("0x2"), nil)
	_, err := c.IsApprovedFor(context.Background(), nil, namehash.Hash("a.eth"), common.Address{})
	if !errors.Is(err, ErrBackendUnreachable) {
		t.Fatalf("expected ErrBackendUnreachable, got %v", err)
	}
}

func TestEVMApplyWithoutTransactorIsTerminal(t *testing.T) {
	c, _ := NewEVMClient(&fakeEVMCaller{}, common.HexToAddress("0x2"), nil)
	_, err := c.Apply(context.Background(), namehash.Hash("a.eth"), nil, []byte("p"), 1)
	if !errors.Is(err, ErrBackendRejected) {
		t.Fatalf("expected ErrBackendRejected, got %v", err)
	}
}

// noncePool hands out pending nonces the way a node does: the pending nonce
// only advances once the prior transaction has been sent.
type noncePool struct {
	mu   sync.Mutex
	next uint64
	seen map[uint64]bool
}

func (p *noncePool) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	p.mu.Lock()
	n := p.next
	p.mu.Unlock()
	runtime.Gosched()
	return n, nil
}

func (p *noncePool) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (p *noncePool) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[tx.Nonce()] {
		return errors.New("nonce too low")
	}
	p.seen[tx.Nonce()] = true
	p.next++
	return nil
}

func TestKeyedTransactorSerializesNonces(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pool := &noncePool{seen: make(map[uint64]bool)}
	tr := NewKeyedTransactor(pool, key, big.NewInt(11155111))

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Submit(context.Background(), common.HexToAddress("0x2"), []byte{0x01})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent submit: %v", err)
		}
	}
	if len(pool.seen) != n {
		t.Fatalf("expected %d distinct nonces, got %d", n, len(pool.seen))
	}
}

func TestEVMApplyReportsPending(t *testing.T) {
	c, _ := NewEVMClient(&fakeEVMCaller{}, common.HexToAddress("0x2"), &fakeTransactor{hash: "0xabc"})
	res, err := c.Apply(context.Background(), namehash.Hash("a.eth"), []byte("ctx"), []byte("p"), 1700000000)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Status != StatusPending || res.Ref != "0xabc" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
