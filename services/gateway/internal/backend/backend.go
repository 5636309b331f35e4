// Package backend gives every record store the same two-operation shape: an
// approval predicate and a record write. The dispatcher picks the concrete
// client from a descriptor's storage kind; nothing outside this package
// switches on the kind.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/namegate/namegate/pkg/metadata"
	"github.com/namegate/namegate/pkg/namehash"
)

var (
	ErrUnsupportedBackend = errors.New("no client registered for storage kind")
	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrBackendRejected    = errors.New("backend rejected update")
	ErrTimeout            = errors.New("backend call timed out")
)

type CommitStatus string

const (
	// StatusApplied means the write is durable on the backend.
	StatusApplied CommitStatus = "applied"
	// StatusPending means the write was submitted as a transaction that has
	// not confirmed yet; Ref carries the transaction hash.
	StatusPending CommitStatus = "pending"
)

type CommitResult struct {
	Status CommitStatus
	Ref    string
}

// Client is the capability set shared by all backend kinds.
type Client interface {
	// IsApprovedFor reports whether principal holds a delegate approval for
	// records under (context, node) on this backend.
	IsApprovedFor(ctx context.Context, recordContext []byte, node namehash.Node, principal common.Address) (bool, error)
	// Apply writes payload as the record for (node, context). Implementations
	// must be idempotent for a repeated (node, context, payload, inception).
	Apply(ctx context.Context, node namehash.Node, recordContext, payload []byte, inception int64) (CommitResult, error)
}

// Factory builds a client for one storage kind from a validated descriptor.
type Factory func(desc metadata.Descriptor) (Client, error)

type Dispatcher struct {
	factories map[metadata.StorageKind]Factory
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{factories: make(map[metadata.StorageKind]Factory)}
}

func (d *Dispatcher) Register(kind metadata.StorageKind, f Factory) {
	d.factories[kind] = f
}

func (d *Dispatcher) Dispatch(desc metadata.Descriptor) (Client, error) {
	f, ok := d.factories[desc.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, desc.Kind)
	}
	return f(desc)
}

// Retryable reports whether a backend error is worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrBackendUnreachable) || errors.Is(err, ErrTimeout)
}
