package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/namegate/namegate/pkg/metadata"
	"github.com/namegate/namegate/pkg/namehash"
)

// HTTPClient talks to a non-chain record storage service at the descriptor's
// location URL. Writes are synchronous: a 2xx response means the record is
// durable.
type HTTPClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewHTTPFactory(hc *http.Client) Factory {
	return func(desc metadata.Descriptor) (Client, error) {
		return NewHTTPClient(desc.ServiceURL(), hc), nil
	}
}

func NewHTTPClient(baseURL string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: hc}
}

type approvalCheckResponse struct {
	Approved bool `json:"approved"`
}

type applyRequest struct {
	Node      string `json:"node"`
	Context   string `json:"context"`
	Data      string `json:"data"`
	Inception int64  `json:"inception"`
}

type applyResponse struct {
	Status string `json:"status"`
	Node   string `json:"node"`
}

func (c *HTTPClient) IsApprovedFor(ctx context.Context, recordContext []byte, node namehash.Node, principal common.Address) (bool, error) {
	q := url.Values{}
	q.Set("context", hex.EncodeToString(recordContext))
	q.Set("node", node.String())
	q.Set("principal", principal.Hex())
	u := fmt.Sprintf("%s/v1/approvals/check?%s", c.BaseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	out, err := doJSON[approvalCheckResponse](c.HTTPClient, req)
	if err != nil {
		return false, err
	}
	return out.Approved, nil
}

func (c *HTTPClient) Apply(ctx context.Context, node namehash.Node, recordContext, payload []byte, inception int64) (CommitResult, error) {
	body, err := json.Marshal(applyRequest{
		Node:      node.String(),
		Context:   hex.EncodeToString(recordContext),
		Data:      hex.EncodeToString(payload),
		Inception: inception,
	})
	if err != nil {
		return CommitResult{}, err
	}
	u := c.BaseURL + "/v1/records"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return CommitResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	out, err := doJSON[applyResponse](c.HTTPClient, req)
	if err != nil {
		return CommitResult{}, err
	}
	if out.Status != "applied" {
		return CommitResult{}, fmt.Errorf("%w: status %q", ErrBackendRejected, out.Status)
	}
	return CommitResult{Status: StatusApplied, Ref: out.Node}, nil
}

func doJSON[T any](hc *http.Client, req *http.Request) (*T, error) {
	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrBackendUnreachable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrBackendRejected, resp.StatusCode)
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendRejected, err)
	}
	return &out, nil
}
