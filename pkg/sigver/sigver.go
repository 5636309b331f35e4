// Package sigver authenticates signed record-update requests. A request is
// signed over a canonical message derived from (payload, sender, inception
// time); verification recovers the signing address and requires it to equal
// the claimed sender. Everything here is pure computation, safe to run
// concurrently across requests.
package sigver

import (
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMalformed = errors.New("malformed signature")
	ErrMismatch  = errors.New("recovered signer does not match sender")
)

const signatureLength = 65

// Message builds the canonical byte string covered by a request signature:
//
//	keccak256(payload) || sender (20 bytes) || inception (uint64 big-endian)
//
// Hashing the payload first keeps the message fixed-width regardless of
// record size, so no field needs a length prefix.
func Message(payload []byte, sender common.Address, inception int64) []byte {
	out := make([]byte, 0, 32+20+8)
	out = append(out, crypto.Keccak256(payload)...)
	out = append(out, sender.Bytes()...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(inception))
	return append(out, ts[:]...)
}

// Digest is the signed hash: the Ethereum signed-message prefix applied to
// keccak256 of the canonical message, matching wallet personal-sign output.
func Digest(payload []byte, sender common.Address, inception int64) []byte {
	inner := crypto.Keccak256(Message(payload, sender, inception))
	return crypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), inner)
}

// Recover returns the address that produced signature over the canonical
// message. The signature is 65 bytes r||s||v with v accepted as 0/1 or 27/28.
func Recover(payload []byte, sender common.Address, inception int64, signature []byte) (common.Address, error) {
	if len(signature) != signatureLength {
		return common.Address{}, ErrMalformed
	}
	if inception < 0 {
		return common.Address{}, ErrMalformed
	}
	sig := make([]byte, signatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, ErrMalformed
	}
	pub, err := crypto.SigToPub(Digest(payload, sender, inception), sig)
	if err != nil {
		return common.Address{}, ErrMalformed
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify recovers the signer and confirms it is the claimed sender.
func Verify(payload []byte, sender common.Address, inception int64, signature []byte) (common.Address, error) {
	recovered, err := Recover(payload, sender, inception, signature)
	if err != nil {
		return common.Address{}, err
	}
	if recovered != sender {
		return common.Address{}, ErrMismatch
	}
	return recovered, nil
}
