// Package gateway runs the end-to-end lifecycle of a signed record-update
// request. The pipeline is strictly linear: signature, replay, resolution,
// authorization, apply. Each step either advances or terminates the request,
// so every rejection names exactly one step.
package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/namegate/namegate/pkg/metadata"
	"github.com/namegate/namegate/pkg/namehash"
	"github.com/namegate/namegate/pkg/retry"
	"github.com/namegate/namegate/pkg/sigver"
	"github.com/namegate/namegate/services/gateway/internal/audit"
	"github.com/namegate/namegate/services/gateway/internal/authz"
	"github.com/namegate/namegate/services/gateway/internal/backend"
	"github.com/namegate/namegate/services/gateway/internal/replay"
)

// Stage names the pipeline step a request last completed or failed in.
type Stage string

const (
	StageSignatureChecked Stage = "signature_checked"
	StageReplayChecked    Stage = "replay_checked"
	StageResolutionDone   Stage = "resolution_done"
	StageAuthorized       Stage = "authorized"
	StageApplied          Stage = "applied"
)

// UpdateRequest is the inbound JSON body of a signed update submission.
type UpdateRequest struct {
	Name          string `json:"name"`
	Data          string `json:"data"`
	Sender        string `json:"sender"`
	InceptionDate int64  `json:"inception_date"`
	Signature     string `json:"signature"`
}

// Outcome is the terminal result of one request.
type Outcome struct {
	Status string // "applied", "pending" or "rejected"
	Stage  Stage
	Reason string
	Node   string
	Ref    string
}

const (
	StatusApplied  = "applied"
	StatusPending  = "pending"
	StatusRejected = "rejected"
)

type Resolver interface {
	Resolve(ctx context.Context, name string) (metadata.Descriptor, namehash.Node, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, desc metadata.Descriptor, node namehash.Node, principal common.Address) (authz.Decision, error)
}

// Recorder receives the audit entry for every committed update.
type Recorder interface {
	Insert(ctx context.Context, e audit.Entry) (string, error)
}

type Timeouts struct {
	Resolve   time.Duration
	Authorize time.Duration
	Apply     time.Duration
}

type Pipeline struct {
	resolver   Resolver
	guard      *replay.Guard
	engine     Authorizer
	dispatcher *backend.Dispatcher
	recorder   Recorder
	logger     *zap.Logger
	timeouts   Timeouts
	applyRetry retry.Policy
	now        func() time.Time
}

func NewPipeline(r Resolver, g *replay.Guard, e Authorizer, d *backend.Dispatcher, rec Recorder, logger *zap.Logger, t Timeouts) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if t.Resolve <= 0 {
		t.Resolve = 5 * time.Second
	}
	if t.Authorize <= 0 {
		t.Authorize = 5 * time.Second
	}
	if t.Apply <= 0 {
		t.Apply = 15 * time.Second
	}
	return &Pipeline{
		resolver:   r,
		guard:      g,
		engine:     e,
		dispatcher: d,
		recorder:   rec,
		logger:     logger,
		timeouts:   t,
		applyRetry: retry.DefaultPolicy(),
		now:        time.Now,
	}
}

func (p *Pipeline) SetApplyRetryPolicy(pol retry.Policy) { p.applyRetry = pol }

// Process drives one request through the pipeline and returns its terminal
// outcome. Reasons are stable codes; backend error text never leaves the
// gateway.
func (p *Pipeline) Process(ctx context.Context, req UpdateRequest) Outcome {
	// Signature.
	sender, payload, signature, reason := decodeRequest(req)
	if reason != "" {
		return rejected(StageSignatureChecked, reason)
	}
	if _, err := sigver.Verify(payload, sender, req.InceptionDate, signature); err != nil {
		if errors.Is(err, sigver.ErrMismatch) {
			return rejected(StageSignatureChecked, "mismatch")
		}
		return rejected(StageSignatureChecked, "malformed")
	}

	// Replay.
	payloadHash := replay.PayloadHash(payload)
	if err := p.guard.Admit(sender, payloadHash, req.InceptionDate, p.now()); err != nil {
		if errors.Is(err, replay.ErrDuplicate) {
			return rejected(StageReplayChecked, "duplicate")
		}
		return rejected(StageReplayChecked, "stale")
	}

	// Resolution.
	rctx, cancel := context.WithTimeout(ctx, p.timeouts.Resolve)
	desc, node, err := p.resolver.Resolve(rctx, req.Name)
	cancel()
	if err != nil {
		return rejected(StageResolutionDone, resolutionReason(err))
	}

	// Authorization.
	actx, cancel := context.WithTimeout(ctx, p.timeouts.Authorize)
	decision, err := p.engine.Authorize(actx, desc, node, sender)
	cancel()
	if err != nil {
		return rejected(StageAuthorized, authorizationReason(err))
	}
	if !decision.Allowed {
		return rejected(StageAuthorized, "denied")
	}

	// Apply.
	client, err := p.dispatcher.Dispatch(desc)
	if err != nil {
		return rejected(StageApplied, "unsupported_backend")
	}
	var commit backend.CommitResult
	applyErr := retry.Do(ctx, p.applyRetry, backend.Retryable, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, p.timeouts.Apply)
		defer cancel()
		var err error
		commit, err = client.Apply(actx, node, desc.Context, payload, req.InceptionDate)
		return err
	})
	if applyErr != nil {
		return rejected(StageApplied, applyReason(applyErr))
	}

	p.record(ctx, sender, payloadHash, req.InceptionDate, node, desc.Context, commit)

	status := StatusApplied
	if commit.Status == backend.StatusPending {
		status = StatusPending
	}
	p.logger.Info("update committed",
		zap.String("node", node.String()),
		zap.String("sender", sender.Hex()),
		zap.String("status", status),
		zap.String("ref", commit.Ref),
	)
	return Outcome{Status: status, Stage: StageApplied, Node: node.String(), Ref: commit.Ref}
}

// record writes the audit entry. The update is already committed, so an
// audit failure is logged rather than surfaced to the caller.
func (p *Pipeline) record(ctx context.Context, sender common.Address, payloadHash [32]byte, inception int64, node namehash.Node, recordContext []byte, commit backend.CommitResult) {
	if p.recorder == nil {
		return
	}
	_, err := p.recorder.Insert(ctx, audit.Entry{
		Sender:        strings.ToLower(sender.Hex()),
		PayloadSHA256: hex.EncodeToString(payloadHash[:]),
		Inception:     inception,
		Node:          node.String(),
		Context:       recordContext,
		CommitStatus:  string(commit.Status),
		CommitRef:     commit.Ref,
		AppliedAt:     p.now().UTC(),
	})
	if err != nil {
		p.logger.Error("audit insert failed", zap.Error(err), zap.String("node", node.String()))
	}
}

func decodeRequest(req UpdateRequest) (common.Address, []byte, []byte, string) {
	if !common.IsHexAddress(req.Sender) {
		return common.Address{}, nil, nil, "malformed"
	}
	payload, err := hexField(req.Data)
	if err != nil {
		return common.Address{}, nil, nil, "malformed"
	}
	signature, err := hexField(req.Signature)
	if err != nil {
		return common.Address{}, nil, nil, "malformed"
	}
	return common.HexToAddress(req.Sender), payload, signature, ""
}

func hexField(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
}

func rejected(stage Stage, reason string) Outcome {
	return Outcome{Status: StatusRejected, Stage: stage, Reason: reason}
}

func resolutionReason(err error) string {
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		return "not_found"
	case errors.Is(err, metadata.ErrUnknownBackend):
		return "unknown_backend"
	case errors.Is(err, metadata.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// The stage deadline can expire inside a retry wait, surfacing the
		// bare context error instead of a resolver sentinel.
		return "upstream_unavailable"
	default:
		return "malformed"
	}
}

func authorizationReason(err error) string {
	switch {
	case errors.Is(err, authz.ErrBackendUnreachable):
		return "backend_unreachable"
	case errors.Is(err, backend.ErrUnsupportedBackend):
		return "unsupported_backend"
	default:
		return "backend_unreachable"
	}
}

func applyReason(err error) string {
	switch {
	case errors.Is(err, backend.ErrTimeout):
		return "timeout"
	case errors.Is(err, backend.ErrBackendUnreachable):
		return "backend_unreachable"
	default:
		return "backend_rejected"
	}
}

// HTTPStatus maps an outcome to a response code.
func HTTPStatus(o Outcome) int {
	if o.Status != StatusRejected {
		return 200
	}
	switch o.Stage {
	case StageSignatureChecked:
		return 401
	case StageReplayChecked:
		if o.Reason == "duplicate" {
			return 409
		}
		return 400
	case StageResolutionDone:
		if o.Reason == "not_found" {
			return 404
		}
		if o.Reason == "upstream_unavailable" {
			return 502
		}
		return 400
	case StageAuthorized:
		if o.Reason == "denied" {
			return 403
		}
		return 502
	default:
		if o.Reason == "timeout" {
			return 504
		}
		return 502
	}
}
