package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/namegate/namegate/pkg/metadata"
	"github.com/namegate/namegate/pkg/namehash"
	"github.com/namegate/namegate/pkg/sigver"
	"github.com/namegate/namegate/services/gateway/internal/resolver"
)

const usage = "usage: ngctl namehash <name> | ngctl sign --key <hex> --data <hex|@file> [--inception <unix>] | ngctl submit --gateway <url> --name <name> --key <hex> --data <hex|@file> [--inception <unix>] | ngctl resolve --rpc <url> --resolver <addr> <name>"

func main() {
	if len(os.Args) < 2 {
		fail(usage)
	}
	switch os.Args[1] {
	case "namehash":
		runNamehash(os.Args[2:])
	case "sign":
		runSign(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "resolve":
		runResolve(os.Args[2:])
	default:
		fail(usage)
	}
}

func runNamehash(args []string) {
	if len(args) != 1 {
		fail(usage)
	}
	node := namehash.Hash(args[0])
	printJSON(map[string]any{"name": args[0], "node": node.String()})
}

func runSign(args []string) {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	keyHex := fs.String("key", "", "signing key (hex)")
	dataArg := fs.String("data", "", "record payload: hex, or @path to a file")
	inception := fs.Int64("inception", 0, "inception unix seconds (default now)")
	_ = fs.Parse(args)

	key, sender, payload, at := signingInputs(*keyHex, *dataArg, *inception)
	sig, err := crypto.Sign(sigver.Digest(payload, sender, at), key)
	if err != nil {
		fail(fmt.Sprintf("sign: %v", err))
	}
	printJSON(map[string]any{
		"sender":         sender.Hex(),
		"inception_date": at,
		"data":           hex.EncodeToString(payload),
		"signature":      hex.EncodeToString(sig),
	})
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	gatewayURL := fs.String("gateway", "http://localhost:8090", "gateway base URL")
	name := fs.String("name", "", "name to update")
	keyHex := fs.String("key", "", "signing key (hex)")
	dataArg := fs.String("data", "", "record payload: hex, or @path to a file")
	inception := fs.Int64("inception", 0, "inception unix seconds (default now)")
	_ = fs.Parse(args)

	if *name == "" {
		fail("submit: --name is required")
	}
	key, sender, payload, at := signingInputs(*keyHex, *dataArg, *inception)
	sig, err := crypto.Sign(sigver.Digest(payload, sender, at), key)
	if err != nil {
		fail(fmt.Sprintf("sign: %v", err))
	}

	body, _ := json.Marshal(map[string]any{
		"name":           *name,
		"data":           hex.EncodeToString(payload),
		"sender":         sender.Hex(),
		"inception_date": at,
		"signature":      hex.EncodeToString(sig),
	})
	u := strings.TrimRight(*gatewayURL, "/") + "/gateway/v1/updates"
	resp, err := http.Post(u, "application/json", bytes.NewReader(body))
	if err != nil {
		fail(fmt.Sprintf("submit: %v", err))
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fail(fmt.Sprintf("submit: bad response: %v", err))
	}
	out["http_status"] = resp.StatusCode
	printJSON(out)
	if resp.StatusCode != 200 {
		os.Exit(1)
	}
}

func runResolve(args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	rpcURL := fs.String("rpc", "", "origin chain RPC endpoint")
	resolverAddr := fs.String("resolver", "", "resolver contract address")
	_ = fs.Parse(args)

	if *rpcURL == "" || *resolverAddr == "" || fs.NArg() != 1 {
		fail("resolve: --rpc, --resolver and a name are required")
	}
	if !common.IsHexAddress(*resolverAddr) {
		fail("resolve: bad resolver address")
	}
	name := fs.Arg(0)

	client, err := ethclient.Dial(*rpcURL)
	if err != nil {
		fail(fmt.Sprintf("resolve: dial: %v", err))
	}
	res, err := resolver.New(client, common.HexToAddress(*resolverAddr))
	if err != nil {
		fail(fmt.Sprintf("resolve: %v", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	desc, node, err := res.Resolve(ctx, name)
	if err != nil {
		fail(fmt.Sprintf("resolve: %v", err))
	}
	printJSON(descriptorSummary(name, node, desc))
}

func descriptorSummary(name string, node namehash.Node, desc metadata.Descriptor) map[string]any {
	return map[string]any{
		"name":         name,
		"node":         node.String(),
		"chain_label":  desc.ChainLabel,
		"coin_type":    desc.CoinType,
		"graphql_url":  desc.GraphqlURL,
		"storage_kind": desc.Kind.String(),
		"location":     hex.EncodeToString(desc.Location),
		"context":      hex.EncodeToString(desc.Context),
	}
}

func signingInputs(keyHex, dataArg string, inception int64) (*ecdsa.PrivateKey, common.Address, []byte, int64) {
	if keyHex == "" {
		fail("--key is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		fail(fmt.Sprintf("bad key: %v", err))
	}
	payload := readPayload(dataArg)
	if inception == 0 {
		inception = time.Now().Unix()
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), payload, inception
}

func readPayload(dataArg string) []byte {
	if dataArg == "" {
		fail("--data is required")
	}
	if strings.HasPrefix(dataArg, "@") {
		b, err := os.ReadFile(dataArg[1:])
		if err != nil {
			fail(fmt.Sprintf("read payload file: %v", err))
		}
		return b
	}
	b, err := hex.DecodeString(strings.TrimPrefix(dataArg, "0x"))
	if err != nil {
		fail("--data must be hex or @path")
	}
	return b
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
