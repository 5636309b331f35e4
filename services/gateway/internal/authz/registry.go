package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/namegate/namegate/pkg/namehash"
	"github.com/namegate/namegate/services/gateway/internal/backend"
)

const registryABI = `[{"name":"owner","type":"function","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]}]`

// EVMRegistry reads owner(bytes32) from the origin-chain registry contract.
type EVMRegistry struct {
	caller    backend.ContractCaller
	contract  common.Address
	parsedABI abi.ABI
}

func NewEVMRegistry(caller backend.ContractCaller, contract common.Address) (*EVMRegistry, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, err
	}
	return &EVMRegistry{caller: caller, contract: contract, parsedABI: parsed}, nil
}

func (r *EVMRegistry) Owner(ctx context.Context, node namehash.Node) (common.Address, error) {
	input, err := r.parsedABI.Pack("owner", [32]byte(node))
	if err != nil {
		return common.Address{}, err
	}
	raw, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: input}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", backend.ErrBackendUnreachable, err)
	}
	out, err := r.parsedABI.Unpack("owner", raw)
	if err != nil || len(out) != 1 {
		return common.Address{}, fmt.Errorf("owner decode: %w", err)
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("owner decode: unexpected type")
	}
	if owner == (common.Address{}) {
		return common.Address{}, ErrNoOwner
	}
	return owner, nil
}
