package codedirectory

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/appsworld/machosign/pkg/blob"
	"github.com/appsworld/machosign/pkg/hasher"
)

func TestBuildLayoutWithTeamIDAndSpecialSlots(t *testing.T) {
	spec := Spec{
		Identifier: "com.example.app",
		TeamID:     "ABCDE12345",
		Flags:      0,
		Algorithm:  hasher.SHA256,
		CodeLimit:  8192,
		SpecialSlots: map[int][]byte{
			SlotRequirements: bytes.Repeat([]byte{0xaa}, 32),
		},
		CodeHashes: [][]byte{
			bytes.Repeat([]byte{0x01}, 32),
			bytes.Repeat([]byte{0x02}, 32),
		},
	}

	out, err := Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	magic := binary.BigEndian.Uint32(out[0:4])
	if blob.Magic(magic) != blob.MAGIC_CODEDIRECTORY {
		t.Fatalf("magic = %#x, want %#x", magic, uint32(blob.MAGIC_CODEDIRECTORY))
	}
	length := binary.BigEndian.Uint32(out[4:8])
	if int(length) != len(out) {
		t.Fatalf("Length field = %d, want %d (len(out))", length, len(out))
	}

	identOffset := binary.BigEndian.Uint32(out[20:24])
	idBytes := out[identOffset:]
	nul := bytes.IndexByte(idBytes, 0)
	if nul < 0 {
		t.Fatal("identifier is not NUL-terminated")
	}
	if string(idBytes[:nul]) != spec.Identifier {
		t.Fatalf("identifier = %q, want %q", idBytes[:nul], spec.Identifier)
	}

	teamOffset := binary.BigEndian.Uint32(out[48:52])
	if teamOffset == 0 {
		t.Fatal("TeamOffset is zero despite a non-empty TeamID")
	}
	teamBytes := out[teamOffset:]
	nul = bytes.IndexByte(teamBytes, 0)
	if nul < 0 || string(teamBytes[:nul]) != spec.TeamID {
		t.Fatalf("team ID = %q, want %q", teamBytes[:nul], spec.TeamID)
	}

	hashOffset := binary.BigEndian.Uint32(out[16:20])
	hashSize := hasher.SHA256.Size()
	// special slot 2 sits two hashSizes before hashOffset (slot 1 sits
	// immediately before it; only slot 2 was populated, so slot 1's
	// region stays zero)
	special2 := out[hashOffset-2*uint32(hashSize) : hashOffset-uint32(hashSize)]
	if !bytes.Equal(special2, spec.SpecialSlots[SlotRequirements]) {
		t.Fatalf("special slot %d = %x, want %x", SlotRequirements, special2, spec.SpecialSlots[SlotRequirements])
	}

	code0 := out[hashOffset : hashOffset+uint32(hashSize)]
	if !bytes.Equal(code0, spec.CodeHashes[0]) {
		t.Fatalf("code slot 0 = %x, want %x", code0, spec.CodeHashes[0])
	}
	code1 := out[hashOffset+uint32(hashSize) : hashOffset+2*uint32(hashSize)]
	if !bytes.Equal(code1, spec.CodeHashes[1]) {
		t.Fatalf("code slot 1 = %x, want %x", code1, spec.CodeHashes[1])
	}
}

func TestBuildRejectsUnsupportedAlgorithm(t *testing.T) {
	_, err := Build(Spec{Identifier: "x", Algorithm: hasher.NoHash})
	if err == nil {
		t.Fatal("Build accepted an unsupported digest algorithm")
	}
}

func TestBuildWithoutTeamIDLeavesOffsetZero(t *testing.T) {
	out, err := Build(Spec{Identifier: "com.example.app", Algorithm: hasher.SHA256})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	teamOffset := binary.BigEndian.Uint32(out[48:52])
	if teamOffset != 0 {
		t.Fatalf("TeamOffset = %d, want 0 when no TeamID is set", teamOffset)
	}
}
