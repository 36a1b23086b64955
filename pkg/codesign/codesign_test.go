package codesign

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/appsworld/machosign/pkg/blob"
	"github.com/appsworld/machosign/pkg/codedirectory"
	"github.com/appsworld/machosign/pkg/hasher"
)

func TestParseCodeSignatureRoundTripsCodeDirectory(t *testing.T) {
	cdBytes, err := codedirectory.Build(codedirectory.Spec{
		Identifier: "com.example.app",
		TeamID:     "TEAM12345X",
		Algorithm:  hasher.SHA256,
		CodeLimit:  4096,
		CodeHashes: [][]byte{bytes.Repeat([]byte{0x11}, 32)},
	})
	if err != nil {
		t.Fatalf("codedirectory.Build: %v", err)
	}

	sb := blob.NewSuperBlob(blob.MAGIC_EMBEDDED_SIGNATURE)
	// cdBytes already embeds its own Magic+Length header, so it's added as a
	// pre-built Blob rather than via NewBlob (which would prepend a second one).
	sb.AddBlob(blob.CSSLOT_CODEDIRECTORY, blob.Blob{
		BlobHeader: blob.BlobHeader{Magic: blob.MAGIC_CODEDIRECTORY, Length: uint32(len(cdBytes))},
		Data:       cdBytes[8:],
	})

	var buf bytes.Buffer
	if err := sb.Write(&buf, binary.BigEndian); err != nil {
		t.Fatalf("SuperBlob.Write: %v", err)
	}

	cs, err := ParseCodeSignature(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseCodeSignature: %v", err)
	}
	if len(cs.CodeDirectories) != 1 {
		t.Fatalf("len(CodeDirectories) = %d, want 1", len(cs.CodeDirectories))
	}
	cd := cs.CodeDirectories[0]
	if cd.ID != "com.example.app" {
		t.Fatalf("ID = %q, want com.example.app", cd.ID)
	}
	if cd.TeamID != "TEAM12345X" {
		t.Fatalf("TeamID = %q, want TEAM12345X", cd.TeamID)
	}
	if cd.CDHash == "" {
		t.Fatal("CDHash was not computed")
	}
	if len(cd.CodeSlots) != 1 {
		t.Fatalf("len(CodeSlots) = %d, want 1", len(cd.CodeSlots))
	}
}

func TestParseCodeSignatureReportsUnknownSlots(t *testing.T) {
	cdBytes, err := codedirectory.Build(codedirectory.Spec{
		Identifier: "com.example.app",
		Algorithm:  hasher.SHA256,
		CodeLimit:  4096,
	})
	if err != nil {
		t.Fatalf("codedirectory.Build: %v", err)
	}

	sb := blob.NewSuperBlob(blob.MAGIC_EMBEDDED_SIGNATURE)
	sb.AddBlob(blob.CSSLOT_CODEDIRECTORY, blob.Blob{
		BlobHeader: blob.BlobHeader{Magic: blob.MAGIC_CODEDIRECTORY, Length: uint32(len(cdBytes))},
		Data:       cdBytes[8:],
	})
	sb.AddBlob(blob.CSSLOT_RESOURCEDIR, blob.NewBlob(blob.MAGIC_BLOBWRAPPER, [4]byte{1, 2, 3, 4}))

	var buf bytes.Buffer
	if err := sb.Write(&buf, binary.BigEndian); err != nil {
		t.Fatalf("SuperBlob.Write: %v", err)
	}

	cs, err := ParseCodeSignature(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseCodeSignature: %v", err)
	}
	if len(cs.Errors) == 0 {
		t.Fatal("expected an unknown-slot error to be recorded for CSSLOT_RESOURCEDIR")
	}
}

func TestParseCodeSignatureDecodesRequirementsDetail(t *testing.T) {
	// a single-opcode expression: opAppleGenericAnchor (15), no operands.
	expr := []byte{0x00, 0x00, 0x00, 0x0f}
	reqBlob := blob.BuildRequirementsBlob([][]byte{expr})

	sb := blob.NewSuperBlob(blob.MAGIC_EMBEDDED_SIGNATURE)
	// reqBlob already embeds its own Magic+Length+Count header, same as
	// the CodeDirectory blob above.
	sb.AddBlob(blob.CSSLOT_REQUIREMENTS, blob.Blob{
		BlobHeader: blob.BlobHeader{Magic: blob.MAGIC_REQUIREMENTS, Length: uint32(len(reqBlob))},
		Data:       reqBlob[8:],
	})

	var buf bytes.Buffer
	if err := sb.Write(&buf, binary.BigEndian); err != nil {
		t.Fatalf("SuperBlob.Write: %v", err)
	}

	cs, err := ParseCodeSignature(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseCodeSignature: %v", err)
	}
	if len(cs.Requirements) != 1 {
		t.Fatalf("len(Requirements) = %d, want 1", len(cs.Requirements))
	}
	if got := cs.Requirements[0].Detail; got != "anchor apple generic" {
		t.Fatalf("Detail = %q, want %q", got, "anchor apple generic")
	}
}
