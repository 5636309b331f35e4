// Package resolver fetches the record-backend descriptor for a name from the
// origin chain's resolver contract and caches it briefly. Wildcard
// resolution happens upstream in the contract, which is why the call takes
// the full wire-encoded name rather than a leaf hash.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/namegate/namegate/pkg/metadata"
	"github.com/namegate/namegate/pkg/namehash"
	"github.com/namegate/namegate/pkg/retry"
)

const metadataABI = `[{"name":"metadata","type":"function","stateMutability":"view","inputs":[{"name":"name","type":"bytes"}],"outputs":[{"name":"chainLabel","type":"string"},{"name":"coinType","type":"uint256"},{"name":"graphqlUrl","type":"string"},{"name":"storageKind","type":"uint8"},{"name":"storageLocation","type":"bytes"},{"name":"context","type":"bytes"}]}]`

// ContractCaller is the narrow slice of an RPC client the resolver needs.
// *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type Resolver struct {
	caller   ContractCaller
	contract common.Address
	source   metadata.Source
	policy   retry.Policy

	mu      sync.Mutex
	cache   map[namehash.Node]cacheEntry
	ttl     time.Duration
	maxSize int

	parsedABI abi.ABI
}

type cacheEntry struct {
	desc     metadata.Descriptor
	deadline time.Time
}

type Option func(*Resolver)

func WithTTL(ttl time.Duration) Option { return func(r *Resolver) { r.ttl = ttl } }

func WithCacheSize(n int) Option { return func(r *Resolver) { r.maxSize = n } }

func WithRetryPolicy(p retry.Policy) Option { return func(r *Resolver) { r.policy = p } }

// WithStaticSource pins every name to one descriptor, skipping the chain
// call entirely. Used for deployments announcing metadata via events.
func WithStaticSource(desc metadata.Descriptor) Option {
	return func(r *Resolver) {
		r.source = metadata.Source{Kind: metadata.SourceStatic, Static: desc}
	}
}

func New(caller ContractCaller, contract common.Address, opts ...Option) (*Resolver, error) {
	parsed, err := abi.JSON(strings.NewReader(metadataABI))
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		caller:    caller,
		contract:  contract,
		source:    metadata.Source{Kind: metadata.SourceDynamic},
		policy:    retry.DefaultPolicy(),
		cache:     make(map[namehash.Node]cacheEntry),
		ttl:       time.Minute,
		maxSize:   1024,
		parsedABI: parsed,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Resolve returns the descriptor governing name's records, plus the node the
// name hashes to. Cache hits never touch the chain; misses populate the
// cache with the configured TTL.
func (r *Resolver) Resolve(ctx context.Context, name string) (metadata.Descriptor, namehash.Node, error) {
	node := namehash.Hash(name)

	if r.source.Kind == metadata.SourceStatic {
		return r.source.Static, node, nil
	}

	if desc, ok := r.cached(node); ok {
		return desc, node, nil
	}

	encoded, err := namehash.WireEncode(name)
	if err != nil {
		return metadata.Descriptor{}, node, fmt.Errorf("%w: %v", metadata.ErrMalformed, err)
	}
	input, err := r.parsedABI.Pack("metadata", encoded)
	if err != nil {
		return metadata.Descriptor{}, node, fmt.Errorf("%w: %v", metadata.ErrMalformed, err)
	}

	var raw []byte
	callErr := retry.Do(ctx, r.policy,
		func(err error) bool { return errors.Is(err, metadata.ErrUpstreamUnavailable) },
		func(ctx context.Context) error {
			out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: input}, nil)
			if err != nil {
				return fmt.Errorf("%w: %v", metadata.ErrUpstreamUnavailable, err)
			}
			raw = out
			return nil
		})
	if callErr != nil {
		return metadata.Descriptor{}, node, callErr
	}
	if len(raw) == 0 {
		return metadata.Descriptor{}, node, metadata.ErrNotFound
	}

	desc, err := r.decode(raw)
	if err != nil {
		return metadata.Descriptor{}, node, err
	}
	r.put(node, desc)
	return desc, node, nil
}

// Invalidate drops a cached descriptor, forcing the next Resolve for the
// node to hit the chain.
func (r *Resolver) Invalidate(node namehash.Node) {
	r.mu.Lock()
	delete(r.cache, node)
	r.mu.Unlock()
}

func (r *Resolver) decode(raw []byte) (metadata.Descriptor, error) {
	out, err := r.parsedABI.Unpack("metadata", raw)
	if err != nil || len(out) != 6 {
		return metadata.Descriptor{}, fmt.Errorf("%w: tuple decode failed", metadata.ErrMalformed)
	}
	chainLabel, ok0 := out[0].(string)
	coinType, ok1 := out[1].(*big.Int)
	graphqlURL, ok2 := out[2].(string)
	kind, ok3 := out[3].(uint8)
	location, ok4 := out[4].([]byte)
	contextBytes, ok5 := out[5].([]byte)
	if !ok0 || !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !coinType.IsUint64() {
		return metadata.Descriptor{}, fmt.Errorf("%w: tuple field types", metadata.ErrMalformed)
	}
	desc := metadata.Descriptor{
		ChainLabel: chainLabel,
		CoinType:   coinType.Uint64(),
		GraphqlURL: graphqlURL,
		Kind:       metadata.StorageKind(kind),
		Location:   location,
		Context:    contextBytes,
	}
	if err := desc.Validate(); err != nil {
		return metadata.Descriptor{}, err
	}
	return desc, nil
}

func (r *Resolver) cached(node namehash.Node) (metadata.Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[node]
	if !ok {
		return metadata.Descriptor{}, false
	}
	if time.Now().After(e.deadline) {
		delete(r.cache, node)
		return metadata.Descriptor{}, false
	}
	return e.desc, true
}

func (r *Resolver) put(node namehash.Node, desc metadata.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for k, e := range r.cache {
		if now.After(e.deadline) {
			delete(r.cache, k)
		}
	}
	if len(r.cache) >= r.maxSize {
		// Full of live entries: drop an arbitrary one to stay bounded.
		for k := range r.cache {
			delete(r.cache, k)
			break
		}
	}
	r.cache[node] = cacheEntry{desc: desc, deadline: now.Add(r.ttl)}
}
