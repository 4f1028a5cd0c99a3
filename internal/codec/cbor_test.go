package codec

import (
	"bytes"
	"testing"
)

type sample struct {
	B []byte `cbor:"b"`
	A string `cbor:"a"`
	N uint8  `cbor:"n"`
}

func TestMarshal_Deterministic(t *testing.T) {
	v := sample{A: "x", B: []byte{1, 2}, N: 3}
	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("expected identical encodings")
	}

	var got sample
	if err := Unmarshal(first, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.A != "x" || got.N != 3 || !bytes.Equal(got.B, []byte{1, 2}) {
		t.Fatalf("unexpected decode %+v", got)
	}
}

func TestUnmarshal_RejectsGarbage(t *testing.T) {
	var got sample
	if err := Unmarshal([]byte{0xff, 0x00}, &got); err == nil {
		t.Fatalf("expected error for malformed input")
	}
}
