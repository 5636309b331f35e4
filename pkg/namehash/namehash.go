package namehash

import (
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Node is the canonical 32-byte identifier of a hierarchical name. It is
// derived once from the full label path and never mutated afterwards.
type Node [32]byte

var ErrInvalidNode = errors.New("invalid node")

var zeroNode Node

func (n Node) String() string { return "0x" + hex.EncodeToString(n[:]) }

func (n Node) IsZero() bool { return n == zeroNode }

func (n Node) Bytes() []byte {
	out := make([]byte, 32)
	copy(out, n[:])
	return out
}

// ParseNode decodes a 0x-prefixed or bare 64-char hex node id.
func ParseNode(s string) (Node, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return Node{}, ErrInvalidNode
	}
	var n Node
	copy(n[:], b)
	return n, nil
}

// Hash computes the node for a dot-separated hierarchical name: the empty
// name maps to the zero node, and each label folds in right to left as
// keccak256(parent || keccak256(label)).
func Hash(name string) Node {
	var node Node
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := keccak256([]byte(labels[i]))
		node = keccak256Pair(node[:], labelHash[:])
	}
	return node
}

// WireEncode serializes a name in DNS wire format (length-prefixed labels,
// zero terminator), the form the on-chain metadata accessor expects.
func WireEncode(name string) ([]byte, error) {
	if name == "" {
		return []byte{0}, nil
	}
	var out []byte
	for _, label := range strings.Split(name, ".") {
		if len(label) == 0 || len(label) > 255 {
			return nil, errors.New("invalid label length")
		}
		out = append(out, byte(len(label)))
		out = append(out, label...)
	}
	return append(out, 0), nil
}

func keccak256(b []byte) Node {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	var out Node
	h.Sum(out[:0])
	return out
}

func keccak256Pair(a, b []byte) Node {
	h := sha3.NewLegacyKeccak256()
	h.Write(a)
	h.Write(b)
	var out Node
	h.Sum(out[:0])
	return out
}
