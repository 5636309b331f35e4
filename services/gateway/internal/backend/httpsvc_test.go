package backend

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/namegate/namegate/pkg/httpx"
	"github.com/namegate/namegate/pkg/namehash"
)

func TestHTTPClientApprovalCheck(t *testing.T) {
	node := namehash.Hash("alice.example.eth")
	principal := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/approvals/check" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("node") != node.String() {
			t.Fatalf("node query = %q", q.Get("node"))
		}
		if q.Get("principal") != principal.Hex() {
			t.Fatalf("principal query = %q", q.Get("principal"))
		}
		if q.Get("context") != hex.EncodeToString([]byte("tenant-a")) {
			t.Fatalf("context query = %q", q.Get("context"))
		}
		httpx.WriteJSON(w, 200, map[string]any{"approved": true})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, nil)
	approved, err := c.IsApprovedFor(context.Background(), []byte("tenant-a"), node, principal)
	if err != nil {
		t.Fatalf("IsApprovedFor: %v", err)
	}
	if !approved {
		t.Fatalf("expected approved")
	}
}

func TestHTTPClientApply(t *testing.T) {
	node := namehash.Hash("alice.example.eth")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v1/records" {
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req applyRequest
		if err := httpx.ReadJSON(r, &req); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if req.Node != node.String() || req.Inception != 1700000000 {
			t.Fatalf("bad apply request: %+v", req)
		}
		httpx.WriteJSON(w, 200, map[string]any{"status": "applied", "node": req.Node})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, nil)
	res, err := c.Apply(context.Background(), node, []byte("tenant-a"), []byte("payload"), 1700000000)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Status != StatusApplied {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestHTTPClientClassifiesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	c := NewHTTPClient(srv.URL, nil)
	node := namehash.Hash("x.eth")

	_, err := c.IsApprovedFor(context.Background(), nil, node, common.Address{})
	if !errors.Is(err, ErrBackendUnreachable) {
		t.Fatalf("5xx should be unreachable, got %v", err)
	}
	srv.Close()

	_, err = c.IsApprovedFor(context.Background(), nil, node, common.Address{})
	if !errors.Is(err, ErrBackendUnreachable) {
		t.Fatalf("transport failure should be unreachable, got %v", err)
	}

	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(403)
	}))
	defer rejecting.Close()
	c = NewHTTPClient(rejecting.URL, nil)
	_, err = c.Apply(context.Background(), node, nil, []byte("p"), 1)
	if !errors.Is(err, ErrBackendRejected) {
		t.Fatalf("4xx should be rejected, got %v", err)
	}
}
