package hasher

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func TestAlgorithmSize(t *testing.T) {
	cases := map[Algorithm]int{
		SHA1:            20,
		SHA256:          32,
		SHA256Truncated: 20,
		SHA384:          48,
		SHA512:          64,
		NoHash:          0,
	}
	for alg, want := range cases {
		if got := alg.Size(); got != want {
			t.Errorf("%v.Size() = %d, want %d", alg, got, want)
		}
	}
}

func TestSumSHA256(t *testing.T) {
	data := []byte("hello, code signing")
	sum, err := SHA256.Sum(data)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	want := sha256.Sum256(data)
	if !bytes.Equal(sum, want[:]) {
		t.Fatalf("Sum = %x, want %x", sum, want)
	}
}

func TestSumSHA256TruncatedLength(t *testing.T) {
	sum, err := SHA256Truncated.Sum([]byte("anything"))
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if len(sum) != 20 {
		t.Fatalf("len(sum) = %d, want 20", len(sum))
	}
	full := sha256.Sum256([]byte("anything"))
	if !bytes.Equal(sum, full[:20]) {
		t.Fatalf("truncated sum = %x, want prefix %x", sum, full[:20])
	}
}

func TestPageHashesCoversPartialFinalPage(t *testing.T) {
	const pageSize = 16
	data := bytes.Repeat([]byte{0x7}, pageSize*2+5) // two full pages + a short one

	hashes, err := PageHashes(bytes.NewReader(data), int64(len(data)), pageSize, SHA256)
	if err != nil {
		t.Fatalf("PageHashes: %v", err)
	}
	if len(hashes) != 3 {
		t.Fatalf("len(hashes) = %d, want 3", len(hashes))
	}
	want0 := sha256.Sum256(data[0:pageSize])
	if !bytes.Equal(hashes[0], want0[:]) {
		t.Fatalf("hashes[0] = %x, want %x", hashes[0], want0)
	}
	wantLast := sha256.Sum256(data[pageSize*2:])
	if !bytes.Equal(hashes[2], wantLast[:]) {
		t.Fatalf("hashes[2] = %x, want %x", hashes[2], wantLast)
	}
}

func TestPageHashesRejectsNonPositivePageSize(t *testing.T) {
	if _, err := PageHashes(bytes.NewReader(nil), 0, 0, SHA256); err == nil {
		t.Fatal("PageHashes accepted a zero page size")
	}
}
