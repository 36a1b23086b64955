package inspector

import (
	"testing"

	"github.com/appsworld/machosign/internal/machotest"
	"github.com/appsworld/machosign/types"
)

func TestParseThin(t *testing.T) {
	fixture := machotest.BuildThin([]byte("signature-bytes"))

	view, fat, err := Parse(fixture.Data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if fat != nil {
		t.Fatal("Parse returned a FatView for a thin fixture")
	}
	if view == nil {
		t.Fatal("Parse returned a nil View for a thin fixture")
	}

	last := LastSegment(view)
	if last == nil || last.Name != "__LINKEDIT" {
		t.Fatalf("LastSegment = %v, want __LINKEDIT", last)
	}

	loc, ok := FindSignature(view)
	if !ok {
		t.Fatal("FindSignature reported no signature on a signed fixture")
	}
	if loc.LinkeditSignatureStartOffset != fixture.SignatureOffset {
		t.Fatalf("LinkeditSignatureStartOffset = %d, want %d", loc.LinkeditSignatureStartOffset, fixture.SignatureOffset)
	}
	if loc.SignatureEndOffset-loc.SignatureStartOffset != fixture.SignatureSize {
		t.Fatalf("signature span = %d, want %d", loc.SignatureEndOffset-loc.SignatureStartOffset, fixture.SignatureSize)
	}
}

func TestParseThinUnsigned(t *testing.T) {
	fixture := machotest.BuildThin(nil)

	view, _, err := Parse(fixture.Data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := FindSignature(view); ok {
		t.Fatal("FindSignature found a signature on an unsigned fixture")
	}
}

func TestParseFat(t *testing.T) {
	fat := machotest.BuildFat([]machotest.SliceSpec{
		{CPU: types.CPUAmd64, Signature: []byte("amd64-sig")},
		{CPU: types.CPUArm64, Signature: []byte("arm64-sig-longer")},
	})

	view, fv, err := Parse(fat.Data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if view != nil {
		t.Fatal("Parse returned a thin View for a fat fixture")
	}
	if fv == nil || len(fv.Slices) != 2 {
		t.Fatalf("FatView.Slices = %v, want 2 entries", fv)
	}
	for i, want := range fat.Slices {
		got := fv.Slices[i]
		if got.Arch.CPU != want.CPU {
			t.Fatalf("slice %d CPU = %v, want %v", i, got.Arch.CPU, want.CPU)
		}
		if got.Offset != want.Offset || got.Size != want.Size {
			t.Fatalf("slice %d offset/size = %d/%d, want %d/%d", i, got.Offset, got.Size, want.Offset, want.Size)
		}
		loc, ok := FindSignature(got.View)
		if !ok {
			t.Fatalf("slice %d: FindSignature found nothing", i)
		}
		if got.Offset+loc.LinkeditSignatureStartOffset != want.SignatureStart {
			t.Fatalf("slice %d absolute signature start = %d, want %d", i, got.Offset+loc.LinkeditSignatureStartOffset, want.SignatureStart)
		}
	}
}
