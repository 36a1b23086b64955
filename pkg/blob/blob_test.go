package blob

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestSuperBlobWriteSortsIndexBySlotType(t *testing.T) {
	sb := NewSuperBlob(MAGIC_EMBEDDED_SIGNATURE)
	// add out of slot-type order, CMS (largest) first
	sb.AddBlob(CSSLOT_CMS_SIGNATURE, NewBlob(MAGIC_BLOBWRAPPER, [4]byte{1, 2, 3, 4}))
	sb.AddBlob(CSSLOT_CODEDIRECTORY, NewBlob(MAGIC_CODEDIRECTORY, [4]byte{5, 6, 7, 8}))
	sb.AddBlob(CSSLOT_REQUIREMENTS, NewBlob(MAGIC_REQUIREMENTS, [4]byte{9, 9, 9, 9}))

	var buf bytes.Buffer
	if err := sb.Write(&buf, binary.BigEndian); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if sb.Index[0].Type != CSSLOT_CODEDIRECTORY {
		t.Fatalf("Index[0].Type = %v, want CodeDirectory first", sb.Index[0].Type)
	}
	if sb.Index[1].Type != CSSLOT_REQUIREMENTS {
		t.Fatalf("Index[1].Type = %v, want Requirements second", sb.Index[1].Type)
	}
	if sb.Index[2].Type != CSSLOT_CMS_SIGNATURE {
		t.Fatalf("Index[2].Type = %v, want CMS signature last", sb.Index[2].Type)
	}

	for i := 1; i < len(sb.Index); i++ {
		if sb.Index[i].Offset <= sb.Index[i-1].Offset {
			t.Fatalf("index offsets not monotonically increasing: %+v", sb.Index)
		}
	}

	if uint32(buf.Len()) != sb.Length {
		t.Fatalf("buf.Len() = %d, want SbHeader.Length %d", buf.Len(), sb.Length)
	}
}

func TestNewBlobComputesLength(t *testing.T) {
	b := NewBlob(MAGIC_REQUIREMENT, [8]byte{})
	want := uint32(binary.Size(BlobHeader{}) + 8)
	if b.Length != want {
		t.Fatalf("Length = %d, want %d", b.Length, want)
	}
}

func TestBlobSha256HashDeterministic(t *testing.T) {
	b1 := NewBlob(MAGIC_REQUIREMENT, [4]byte{1, 2, 3, 4})
	b2 := NewBlob(MAGIC_REQUIREMENT, [4]byte{1, 2, 3, 4})
	h1, err := b1.Sha256Hash()
	if err != nil {
		t.Fatalf("Sha256Hash: %v", err)
	}
	h2, err := b2.Sha256Hash()
	if err != nil {
		t.Fatalf("Sha256Hash: %v", err)
	}
	if !bytes.Equal(h1, h2) {
		t.Fatalf("identical blobs hashed differently: %x vs %x", h1, h2)
	}

	b3 := NewBlob(MAGIC_REQUIREMENT, [4]byte{9, 9, 9, 9})
	h3, err := b3.Sha256Hash()
	if err != nil {
		t.Fatalf("Sha256Hash: %v", err)
	}
	if bytes.Equal(h1, h3) {
		t.Fatal("differing blob data hashed identically")
	}
}

func TestSlotTypeStringUnknown(t *testing.T) {
	if got := SlotType(0xbeef).String(); got == "" {
		t.Fatal("String() returned empty for an unknown slot type")
	}
}
