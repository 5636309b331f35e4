// Package authz decides whether a principal may mutate records under a
// (node, context). Ownership on the origin chain is the ground truth; a
// backend-granted delegate approval is the day-to-day write path an owner
// uses without transacting on the origin chain. Either one suffices.
//
// Decisions are recomputed on every request. Revocation on either side must
// take effect immediately, so nothing here is cached.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/namegate/namegate/pkg/metadata"
	"github.com/namegate/namegate/pkg/namehash"
	"github.com/namegate/namegate/pkg/retry"
	"github.com/namegate/namegate/services/gateway/internal/backend"
)

var ErrBackendUnreachable = errors.New("authorization backend unreachable")

type Reason string

const (
	ReasonOwner    Reason = "owner"
	ReasonDelegate Reason = "delegate"
	ReasonDenied   Reason = "denied"
)

type Decision struct {
	Allowed bool
	Reason  Reason
}

// Registry reads canonical ownership from the origin-chain name registry.
type Registry interface {
	Owner(ctx context.Context, node namehash.Node) (common.Address, error)
}

type Engine struct {
	registry   Registry
	dispatcher *backend.Dispatcher
	policy     retry.Policy
}

func NewEngine(registry Registry, dispatcher *backend.Dispatcher) *Engine {
	return &Engine{registry: registry, dispatcher: dispatcher, policy: retry.DefaultPolicy()}
}

func (e *Engine) SetRetryPolicy(p retry.Policy) { e.policy = p }

// Authorize consults the owner check first, then the backend's delegate
// approval. A registry miss (no owner recorded) falls through to the
// delegate check rather than denying outright.
func (e *Engine) Authorize(ctx context.Context, desc metadata.Descriptor, node namehash.Node, principal common.Address) (Decision, error) {
	var owner common.Address
	err := retry.Do(ctx, e.policy, backend.Retryable, func(ctx context.Context) error {
		var err error
		owner, err = e.registry.Owner(ctx, node)
		return err
	})
	if err != nil && !errors.Is(err, ErrNoOwner) {
		return Decision{}, fmt.Errorf("%w: owner lookup: %v", ErrBackendUnreachable, err)
	}
	if err == nil && owner != (common.Address{}) && owner == principal {
		return Decision{Allowed: true, Reason: ReasonOwner}, nil
	}

	client, err := e.dispatcher.Dispatch(desc)
	if err != nil {
		return Decision{}, err
	}
	var approved bool
	err = retry.Do(ctx, e.policy, backend.Retryable, func(ctx context.Context) error {
		var err error
		approved, err = client.IsApprovedFor(ctx, desc.Context, node, principal)
		return err
	})
	if err != nil {
		if backend.Retryable(err) {
			return Decision{}, fmt.Errorf("%w: approval check: %v", ErrBackendUnreachable, err)
		}
		return Decision{}, err
	}
	if approved {
		return Decision{Allowed: true, Reason: ReasonDelegate}, nil
	}
	return Decision{Allowed: false, Reason: ReasonDenied}, nil
}

// ErrNoOwner is returned by Registry implementations when no owner record
// exists for the node.
var ErrNoOwner = errors.New("no owner recorded for node")
