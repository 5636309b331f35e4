package gateway

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"

	"github.com/namegate/namegate/pkg/httpx"
	"github.com/namegate/namegate/pkg/metadata"
	"github.com/namegate/namegate/pkg/namehash"
	"github.com/namegate/namegate/pkg/retry"
	"github.com/namegate/namegate/pkg/sigver"
	"github.com/namegate/namegate/services/gateway/internal/audit"
	"github.com/namegate/namegate/services/gateway/internal/authz"
	"github.com/namegate/namegate/services/gateway/internal/backend"
	"github.com/namegate/namegate/services/gateway/internal/replay"
)

// recordService is an in-memory stand-in for the non-chain record store.
type recordService struct {
	mu       sync.Mutex
	records  map[string][]byte
	approved map[string]bool // principal hex -> approved
}

func newRecordService() *recordService {
	return &recordService{records: make(map[string][]byte), approved: make(map[string]bool)}
}

func (s *recordService) handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/approvals/check", func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		ok := s.approved[common.HexToAddress(req.URL.Query().Get("principal")).Hex()]
		s.mu.Unlock()
		httpx.WriteJSON(w, 200, map[string]any{"approved": ok})
	})
	r.Put("/v1/records", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Node      string `json:"node"`
			Context   string `json:"context"`
			Data      string `json:"data"`
			Inception int64  `json:"inception"`
		}
		if err := httpx.ReadJSON(req, &body); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		payload, _ := hex.DecodeString(body.Data)
		s.mu.Lock()
		s.records[body.Node+"/"+body.Context] = payload
		s.mu.Unlock()
		httpx.WriteJSON(w, 200, map[string]any{"status": "applied", "node": body.Node})
	})
	return r
}

func (s *recordService) record(node namehash.Node, recordContext []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[node.String()+"/"+hex.EncodeToString(recordContext)]
}

type fakeResolver struct {
	desc metadata.Descriptor
	err  error
}

func (f *fakeResolver) Resolve(ctx context.Context, name string) (metadata.Descriptor, namehash.Node, error) {
	return f.desc, namehash.Hash(name), f.err
}

type fakeRegistry struct {
	owner common.Address
}

func (f *fakeRegistry) Owner(ctx context.Context, node namehash.Node) (common.Address, error) {
	if f.owner == (common.Address{}) {
		return common.Address{}, authz.ErrNoOwner
	}
	return f.owner, nil
}

type memRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memRecorder) Insert(ctx context.Context, e audit.Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return "ae_1", nil
}

type fixture struct {
	server   *httptest.Server
	svc      *recordService
	resolver *fakeResolver
	registry *fakeRegistry
	recorder *memRecorder
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureTimeouts(t, Timeouts{
		Resolve:   time.Second,
		Authorize: time.Second,
		Apply:     time.Second,
	})
}

func newFixtureTimeouts(t *testing.T, timeouts Timeouts) *fixture {
	t.Helper()
	svc := newRecordService()
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	res := &fakeResolver{desc: metadata.Descriptor{
		ChainLabel: "sepolia",
		CoinType:   60,
		Kind:       metadata.KindNonChain,
		Location:   []byte(srv.URL),
		Context:    []byte("tenant-a"),
	}}
	reg := &fakeRegistry{}
	rec := &memRecorder{}

	d := backend.NewDispatcher()
	d.Register(metadata.KindNonChain, backend.NewHTTPFactory(nil))

	engine := authz.NewEngine(reg, d)
	engine.SetRetryPolicy(retry.Policy{Attempts: 2, BaseWait: time.Millisecond})

	p := NewPipeline(res, replay.NewGuard(5*time.Minute), engine, d, rec, nil, timeouts)
	p.SetApplyRetryPolicy(retry.Policy{Attempts: 2, BaseWait: time.Millisecond})

	r := chi.NewRouter()
	NewHandler(p, nil, 1<<20).Routes(r)

	return &fixture{server: srv, svc: svc, resolver: res, registry: reg, recorder: rec, handler: r}
}

func signedRequest(t *testing.T, key *ecdsa.PrivateKey, name string, payload []byte, inception int64) UpdateRequest {
	t.Helper()
	sender := crypto.PubkeyToAddress(key.PublicKey)
	sig, err := crypto.Sign(sigver.Digest(payload, sender, inception), key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return UpdateRequest{
		Name:          name,
		Data:          hex.EncodeToString(payload),
		Sender:        sender.Hex(),
		InceptionDate: inception,
		Signature:     hex.EncodeToString(sig),
	}
}

func post(t *testing.T, h http.Handler, req UpdateRequest) (int, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(req)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/gateway/v1/updates", bytes.NewReader(body)))
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response decode: %v (%s)", err, rec.Body.Bytes())
	}
	return rec.Code, out
}

func TestOwnerUpdateIsApplied(t *testing.T) {
	f := newFixture(t)
	key, _ := crypto.GenerateKey()
	f.registry.owner = crypto.PubkeyToAddress(key.PublicKey)

	payload := []byte(`{"url":"https://alice.example"}`)
	req := signedRequest(t, key, "alice.example.eth", payload, time.Now().Unix())

	code, out := post(t, f.handler, req)
	if code != 200 || out["status"] != "applied" {
		t.Fatalf("code=%d out=%v", code, out)
	}
	stored := f.svc.record(namehash.Hash("alice.example.eth"), []byte("tenant-a"))
	if !bytes.Equal(stored, payload) {
		t.Fatalf("stored record %q want %q", stored, payload)
	}
	if len(f.recorder.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(f.recorder.entries))
	}
}

func TestStrangerIsRejectedAtAuthorization(t *testing.T) {
	f := newFixture(t)
	owner, _ := crypto.GenerateKey()
	f.registry.owner = crypto.PubkeyToAddress(owner.PublicKey)

	stranger, _ := crypto.GenerateKey()
	req := signedRequest(t, stranger, "alice.example.eth", []byte("data"), time.Now().Unix())

	code, out := post(t, f.handler, req)
	if code != 403 {
		t.Fatalf("code=%d out=%v", code, out)
	}
	if out["stage"] != string(StageAuthorized) || out["reason"] != "denied" {
		t.Fatalf("out=%v", out)
	}
	if f.svc.record(namehash.Hash("alice.example.eth"), []byte("tenant-a")) != nil {
		t.Fatalf("record must not be written")
	}
}

func TestApprovedDelegateIsApplied(t *testing.T) {
	f := newFixture(t)
	owner, _ := crypto.GenerateKey()
	f.registry.owner = crypto.PubkeyToAddress(owner.PublicKey)

	delegate, _ := crypto.GenerateKey()
	f.svc.approved[crypto.PubkeyToAddress(delegate.PublicKey).Hex()] = true

	req := signedRequest(t, delegate, "alice.example.eth", []byte("delegate data"), time.Now().Unix())
	code, out := post(t, f.handler, req)
	if code != 200 || out["status"] != "applied" {
		t.Fatalf("code=%d out=%v", code, out)
	}
}

func TestReplayOfExactRequestIsDuplicate(t *testing.T) {
	f := newFixture(t)
	key, _ := crypto.GenerateKey()
	f.registry.owner = crypto.PubkeyToAddress(key.PublicKey)

	payload := []byte("replayed payload")
	req := signedRequest(t, key, "alice.example.eth", payload, time.Now().Unix())

	code, _ := post(t, f.handler, req)
	if code != 200 {
		t.Fatalf("first submission failed: %d", code)
	}
	code, out := post(t, f.handler, req)
	if code != 409 {
		t.Fatalf("code=%d out=%v", code, out)
	}
	if out["stage"] != string(StageReplayChecked) || out["reason"] != "duplicate" {
		t.Fatalf("out=%v", out)
	}
	// Record unchanged by the replay.
	if !bytes.Equal(f.svc.record(namehash.Hash("alice.example.eth"), []byte("tenant-a")), payload) {
		t.Fatalf("record changed by replayed request")
	}
}

func TestStaleInceptionIsRejected(t *testing.T) {
	f := newFixture(t)
	key, _ := crypto.GenerateKey()
	f.registry.owner = crypto.PubkeyToAddress(key.PublicKey)

	req := signedRequest(t, key, "alice.example.eth", []byte("old"), time.Now().Add(-time.Hour).Unix())
	code, out := post(t, f.handler, req)
	if code != 400 || out["stage"] != string(StageReplayChecked) || out["reason"] != "stale" {
		t.Fatalf("code=%d out=%v", code, out)
	}
}

func TestUnregisteredNameIsRejectedAtResolution(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = metadata.ErrNotFound

	key, _ := crypto.GenerateKey()
	req := signedRequest(t, key, "unregistered.eth", []byte("data"), time.Now().Unix())
	code, out := post(t, f.handler, req)
	if code != 404 {
		t.Fatalf("code=%d out=%v", code, out)
	}
	if out["stage"] != string(StageResolutionDone) || out["reason"] != "not_found" {
		t.Fatalf("out=%v", out)
	}
}

func TestZeroTimeoutsDefaultRatherThanExpire(t *testing.T) {
	f := newFixtureTimeouts(t, Timeouts{})
	key, _ := crypto.GenerateKey()
	f.registry.owner = crypto.PubkeyToAddress(key.PublicKey)

	req := signedRequest(t, key, "alice.example.eth", []byte("data"), time.Now().Unix())
	code, out := post(t, f.handler, req)
	if code != 200 || out["status"] != "applied" {
		t.Fatalf("code=%d out=%v", code, out)
	}
}

func TestResolutionDeadlineReportsUpstreamUnavailable(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = context.DeadlineExceeded

	key, _ := crypto.GenerateKey()
	req := signedRequest(t, key, "alice.example.eth", []byte("data"), time.Now().Unix())
	code, out := post(t, f.handler, req)
	if code != 502 {
		t.Fatalf("code=%d out=%v", code, out)
	}
	if out["stage"] != string(StageResolutionDone) || out["reason"] != "upstream_unavailable" {
		t.Fatalf("out=%v", out)
	}
}

func TestTamperedSignatureIsRejectedFirst(t *testing.T) {
	f := newFixture(t)
	key, _ := crypto.GenerateKey()
	f.registry.owner = crypto.PubkeyToAddress(key.PublicKey)

	req := signedRequest(t, key, "alice.example.eth", []byte("data"), time.Now().Unix())
	sig, _ := hex.DecodeString(req.Signature)
	sig[10] ^= 0x01
	req.Signature = hex.EncodeToString(sig)

	code, out := post(t, f.handler, req)
	if code != 401 {
		t.Fatalf("code=%d out=%v", code, out)
	}
	if out["stage"] != string(StageSignatureChecked) {
		t.Fatalf("out=%v", out)
	}
}

func TestMalformedSenderIsRejected(t *testing.T) {
	f := newFixture(t)
	key, _ := crypto.GenerateKey()
	req := signedRequest(t, key, "alice.example.eth", []byte("data"), time.Now().Unix())
	req.Sender = "not-an-address"

	code, out := post(t, f.handler, req)
	if code != 401 || out["reason"] != "malformed" {
		t.Fatalf("code=%d out=%v", code, out)
	}
}

func TestLastWriterWinsOnRepeatedUpdates(t *testing.T) {
	f := newFixture(t)
	key, _ := crypto.GenerateKey()
	f.registry.owner = crypto.PubkeyToAddress(key.PublicKey)

	now := time.Now().Unix()
	first := signedRequest(t, key, "alice.example.eth", []byte("v1"), now)
	second := signedRequest(t, key, "alice.example.eth", []byte("v2"), now+1)

	if code, _ := post(t, f.handler, first); code != 200 {
		t.Fatalf("first update failed")
	}
	if code, _ := post(t, f.handler, second); code != 200 {
		t.Fatalf("second update failed")
	}
	if got := f.svc.record(namehash.Hash("alice.example.eth"), []byte("tenant-a")); !bytes.Equal(got, []byte("v2")) {
		t.Fatalf("record = %q want v2", got)
	}
}
