package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/namegate/namegate/pkg/metadata"
	"github.com/namegate/namegate/pkg/namehash"
)

// Invoker submits a state-changing call to a Starknet-like account and
// returns the transaction hash, analogous to Transactor on EVM chains.
type Invoker interface {
	Invoke(ctx context.Context, contract [32]byte, entrypoint string, calldata []string) (string, error)
}

// StarknetClient reads the approval predicate of a Starknet-like record
// contract over JSON-RPC. The contract address is the descriptor's 32-byte
// location felt.
type StarknetClient struct {
	rpcURL     string
	contract   [32]byte
	httpClient *http.Client
	invoker    Invoker
}

func NewStarknetFactory(rpcURL string, hc *http.Client, invoker Invoker) Factory {
	return func(desc metadata.Descriptor) (Client, error) {
		var contract [32]byte
		copy(contract[:], desc.Location)
		return NewStarknetClient(rpcURL, contract, hc, invoker), nil
	}
}

func NewStarknetClient(rpcURL string, contract [32]byte, hc *http.Client, invoker Invoker) *StarknetClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &StarknetClient{rpcURL: rpcURL, contract: contract, httpClient: hc, invoker: invoker}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type functionCall struct {
	ContractAddress    string   `json:"contract_address"`
	EntryPointSelector string   `json:"entry_point_selector"`
	Calldata           []string `json:"calldata"`
}

func (c *StarknetClient) IsApprovedFor(ctx context.Context, recordContext []byte, node namehash.Node, principal common.Address) (bool, error) {
	result, err := c.call(ctx, "is_approved_for", approvalCalldata(recordContext, node, principal))
	if err != nil {
		return false, err
	}
	var felts []string
	if err := json.Unmarshal(result, &felts); err != nil || len(felts) == 0 {
		return false, fmt.Errorf("%w: bad call result", ErrBackendRejected)
	}
	v, ok := new(big.Int).SetString(trimHexPrefix(felts[0]), 16)
	if !ok {
		return false, fmt.Errorf("%w: bad felt %q", ErrBackendRejected, felts[0])
	}
	return v.Sign() != 0, nil
}

func (c *StarknetClient) Apply(ctx context.Context, node namehash.Node, recordContext, payload []byte, inception int64) (CommitResult, error) {
	if c.invoker == nil {
		return CommitResult{}, fmt.Errorf("%w: no invoker configured for chain writes", ErrBackendRejected)
	}
	calldata := []string{
		feltHex(keccakFelt(recordContext)),
		feltHex(new(big.Int).SetBytes(node[16:])),
		feltHex(new(big.Int).SetBytes(node[:16])),
		feltHex(new(big.Int).SetBytes(payloadDigest(payload))),
		feltHex(big.NewInt(inception)),
	}
	txHash, err := c.invoker.Invoke(ctx, c.contract, "set_record", calldata)
	if err != nil {
		return CommitResult{}, classifyTransport(err)
	}
	return CommitResult{Status: StatusPending, Ref: txHash}, nil
}

func (c *StarknetClient) call(ctx context.Context, entrypoint string, calldata []string) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "starknet_call",
		Params: map[string]any{
			"request": functionCall{
				ContractAddress:    feltHex(new(big.Int).SetBytes(c.contract[:])),
				EntryPointSelector: feltHex(selector(entrypoint)),
				Calldata:           calldata,
			},
			"block_id": "latest",
		},
		ID: 1,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrBackendUnreachable, resp.StatusCode)
	}
	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendRejected, err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("%w: rpc %d", ErrBackendRejected, out.Error.Code)
	}
	return out.Result, nil
}

// approvalCalldata lays out (context, node, principal) as felts: the context
// collapses to its keccak felt since it is an opaque comparison key, and the
// 32-byte node splits into low/high 16-byte halves to fit the field.
func approvalCalldata(recordContext []byte, node namehash.Node, principal common.Address) []string {
	return []string{
		feltHex(keccakFelt(recordContext)),
		feltHex(new(big.Int).SetBytes(node[16:])),
		feltHex(new(big.Int).SetBytes(node[:16])),
		feltHex(new(big.Int).SetBytes(principal.Bytes())),
	}
}

func payloadDigest(payload []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(payload)
	return h.Sum(nil)[:16]
}

// selector computes the sn_keccak of an entrypoint name: keccak256 masked to
// the low 250 bits.
func selector(name string) *big.Int {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(name))
	v := new(big.Int).SetBytes(h.Sum(nil))
	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 250), big.NewInt(1))
	return v.And(v, mask)
}

func keccakFelt(b []byte) *big.Int {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	v := new(big.Int).SetBytes(h.Sum(nil))
	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 250), big.NewInt(1))
	return v.And(v, mask)
}

func feltHex(v *big.Int) string { return "0x" + v.Text(16) }

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
