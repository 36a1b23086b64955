package macho

import (
	"bytes"
	"testing"

	"github.com/appsworld/machosign/internal/machotest"
	"github.com/appsworld/machosign/types"
)

func TestNewFileParsesSegmentsAndCodeSignature(t *testing.T) {
	fixture := machotest.BuildThin(bytes.Repeat([]byte{0xAB}, 64))

	f, err := NewFile(bytes.NewReader(fixture.Data))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if f.Magic != types.Magic64 {
		t.Fatalf("Magic = %#x, want Magic64", uint32(f.Magic))
	}
	if f.NCommands != 3 {
		t.Fatalf("NCommands = %d, want 3", f.NCommands)
	}

	text := f.Segment("__TEXT")
	if text == nil {
		t.Fatal("missing __TEXT segment")
	}
	if text.Offset != uint64(fixture.TextOffset) || text.Filesz != uint64(fixture.TextSize) {
		t.Fatalf("__TEXT = {offset:%d filesz:%d}, want {%d %d}", text.Offset, text.Filesz, fixture.TextOffset, fixture.TextSize)
	}

	linkedit := f.Segment("__LINKEDIT")
	if linkedit == nil {
		t.Fatal("missing __LINKEDIT segment")
	}
	if linkedit.Offset != uint64(fixture.LinkeditOffset) {
		t.Fatalf("__LINKEDIT.Offset = %d, want %d", linkedit.Offset, fixture.LinkeditOffset)
	}

	cs := f.CodeSignatureCmd()
	if cs == nil {
		t.Fatal("missing LC_CODE_SIGNATURE")
	}
	if cs.Offset != uint32(fixture.SignatureOffset) || cs.Size != uint32(fixture.SignatureSize) {
		t.Fatalf("CodeSignatureCmd = {offset:%d size:%d}, want {%d %d}", cs.Offset, cs.Size, fixture.SignatureOffset, fixture.SignatureSize)
	}
}

func TestNewFileWithoutCodeSignature(t *testing.T) {
	fixture := machotest.BuildThin(nil)

	f, err := NewFile(bytes.NewReader(fixture.Data))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if cs := f.CodeSignatureCmd(); cs != nil {
		t.Fatalf("CodeSignatureCmd() = %v, want nil", cs)
	}
}

func TestFileTOCPutRoundTrip(t *testing.T) {
	fixture := machotest.BuildThin(bytes.Repeat([]byte{0x01}, 32))

	f, err := NewFile(bytes.NewReader(fixture.Data))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}

	out := make([]byte, f.TOCSize())
	n := f.Put(out)
	if n != len(out) {
		t.Fatalf("Put returned %d, want %d", n, len(out))
	}
	want := fixture.Data[:f.TOCSize()]
	if !bytes.Equal(out, want) {
		t.Fatalf("Put output does not match the original load-command region")
	}
}
