package store

import "testing"

func TestNormalizePrincipal(t *testing.T) {
	a := NormalizePrincipal("0xAbCd000000000000000000000000000000000001")
	b := NormalizePrincipal("  0xabcd000000000000000000000000000000000001 ")
	if a != b {
		t.Fatalf("normalization must ignore case and whitespace: %q vs %q", a, b)
	}
}

func TestNormalizeContextHexAndRawAgree(t *testing.T) {
	// The gateway queries with the hex form; an operator grant posted with
	// the raw bytes must land on the same row.
	raw := NormalizeContext("tenant-a")
	hexed := NormalizeContext("74656e616e742d61")
	if raw != hexed {
		t.Fatalf("raw and hex context diverge: %q vs %q", raw, hexed)
	}
	if raw != "74656e616e742d61" {
		t.Fatalf("canonical form = %q", raw)
	}

	if NormalizeContext("0xBEEF") != NormalizeContext("beef") {
		t.Fatalf("prefix and case must not matter")
	}
	if NormalizeContext("") != "" {
		t.Fatalf("empty context stays empty")
	}
}

func TestPayloadSHA256Deterministic(t *testing.T) {
	a := PayloadSHA256([]byte("payload"))
	b := PayloadSHA256([]byte("payload"))
	c := PayloadSHA256([]byte("other"))
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	if a == c {
		t.Fatalf("expected different hashes for different payloads")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}
