package rewriter

import (
	"bytes"
	"testing"

	"github.com/appsworld/machosign/internal/machotest"
	"github.com/appsworld/machosign/pkg/inspector"
)

func TestWriteSplicesSignatureAndLeavesRestUntouched(t *testing.T) {
	original := bytes.Repeat([]byte{0x11}, 32)
	fixture := machotest.BuildThin(original)

	view, _, err := inspector.Parse(fixture.Data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	loc, ok := inspector.FindSignature(view)
	if !ok {
		t.Fatal("FindSignature found nothing on a signed fixture")
	}

	newSig := bytes.Repeat([]byte{0x22}, 96) // deliberately larger than the original
	rewritten, err := Write(fixture.Data, view, loc, newSig)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	text := rewritten[fixture.TextOffset : fixture.TextOffset+fixture.TextSize]
	if !bytes.Equal(text, bytes.Repeat([]byte{0x90}, machotest.PageSize)) {
		t.Fatal("__TEXT contents changed across a rewrite")
	}

	rv, _, err := inspector.Parse(rewritten)
	if err != nil {
		t.Fatalf("Parse(rewritten): %v", err)
	}
	rloc, ok := inspector.FindSignature(rv)
	if !ok {
		t.Fatal("FindSignature found nothing after rewrite")
	}
	got := rloc.LinkeditSegmentData[rloc.SignatureStartOffset:rloc.SignatureEndOffset]
	if !bytes.Equal(got, newSig) {
		t.Fatalf("rewritten signature = %x, want %x", got, newSig)
	}

	linkedit := rv.File.Segment("__LINKEDIT")
	if linkedit == nil {
		t.Fatal("missing __LINKEDIT after rewrite")
	}
	if int64(linkedit.Filesz) != rloc.SignatureStartOffset+int64(len(newSig)) {
		t.Fatalf("__LINKEDIT.Filesz = %d, want %d", linkedit.Filesz, rloc.SignatureStartOffset+int64(len(newSig)))
	}
}

func TestWriteShrinksSignature(t *testing.T) {
	fixture := machotest.BuildThin(bytes.Repeat([]byte{0x33}, 200))

	view, _, err := inspector.Parse(fixture.Data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	loc, ok := inspector.FindSignature(view)
	if !ok {
		t.Fatal("FindSignature found nothing")
	}

	newSig := []byte("short")
	rewritten, err := Write(fixture.Data, view, loc, newSig)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(rewritten) >= len(fixture.Data) {
		t.Fatalf("rewritten length %d did not shrink from original %d", len(rewritten), len(fixture.Data))
	}

	rv, _, err := inspector.Parse(rewritten)
	if err != nil {
		t.Fatalf("Parse(rewritten): %v", err)
	}
	rloc, ok := inspector.FindSignature(rv)
	if !ok {
		t.Fatal("FindSignature found nothing after shrink")
	}
	got := rloc.LinkeditSegmentData[rloc.SignatureStartOffset:rloc.SignatureEndOffset]
	if !bytes.Equal(got, newSig) {
		t.Fatalf("rewritten signature = %q, want %q", got, newSig)
	}
}
