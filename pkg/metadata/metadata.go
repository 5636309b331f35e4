// Package metadata defines the per-name record-backend descriptor: which
// backend holds a name's mutable records, where it lives, and under what
// context. The context is an opaque comparison key; nothing in this module
// inspects its contents.
package metadata

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
)

// StorageKind discriminates the backend class holding a name's records.
// Values mirror the on-chain accessor's numeric encoding.
type StorageKind uint8

const (
	KindEVM      StorageKind = 0
	KindNonChain StorageKind = 1
	KindStarknet StorageKind = 2
)

func (k StorageKind) String() string {
	switch k {
	case KindEVM:
		return "evm"
	case KindNonChain:
		return "nonchain"
	case KindStarknet:
		return "starknet"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

var (
	ErrNotFound            = errors.New("no metadata resolver set for name")
	ErrUpstreamUnavailable = errors.New("metadata upstream unavailable")
	ErrMalformed           = errors.New("malformed metadata tuple")
	ErrUnknownBackend      = errors.New("unknown storage kind")
)

// Descriptor is the typed form of the on-chain metadata tuple. Location is
// interpreted per Kind: a contract address for chain backends, a URL for the
// non-chain service. Context namespaces record ownership under a node.
type Descriptor struct {
	ChainLabel string
	CoinType   uint64
	GraphqlURL string
	Kind       StorageKind
	Location   []byte
	Context    []byte
}

// Validate enforces the kind/location invariant. A descriptor that fails
// validation is treated as a malformed upstream tuple.
func (d Descriptor) Validate() error {
	switch d.Kind {
	case KindEVM:
		if len(d.Location) != common.AddressLength {
			return fmt.Errorf("%w: evm location must be a %d-byte address", ErrMalformed, common.AddressLength)
		}
	case KindStarknet:
		if len(d.Location) != 32 {
			return fmt.Errorf("%w: starknet location must be a 32-byte felt", ErrMalformed)
		}
	case KindNonChain:
		u, err := url.Parse(string(d.Location))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: nonchain location must be an absolute URL", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrUnknownBackend, uint8(d.Kind))
	}
	return nil
}

// EVMLocation returns the location bytes as a contract address. Only
// meaningful after Validate for KindEVM.
func (d Descriptor) EVMLocation() common.Address {
	return common.BytesToAddress(d.Location)
}

// ServiceURL returns the location bytes as the non-chain service base URL.
func (d Descriptor) ServiceURL() string { return string(d.Location) }

// SourceKind distinguishes how a name's descriptor is obtained: pinned at
// deployment (event-announced static metadata) or looked up per name on the
// origin chain. The two are mutually exclusive per name.
type SourceKind uint8

const (
	SourceStatic SourceKind = iota
	SourceDynamic
)

type Source struct {
	Kind   SourceKind
	Static Descriptor // set when Kind == SourceStatic
}
