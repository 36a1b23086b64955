package signer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/appsworld/machosign/internal/machotest"
	"github.com/appsworld/machosign/pkg/cms"
	"github.com/appsworld/machosign/pkg/codesign"
	"github.com/appsworld/machosign/pkg/inspector"
	"github.com/appsworld/machosign/pkg/settings"
	"github.com/appsworld/machosign/types"
)

func selfSignedSigner(t *testing.T, commonName string) *cms.Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return &cms.Signer{Key: key, Leaf: leaf}
}

func newRequest(identifier string) Request {
	s := settings.New()
	s.Set(settings.ScopeMain(), settings.Scoped{Identifier: identifier})
	return Request{Settings: s, Path: "test.bin"}
}

func TestSignAdHocThinBinary(t *testing.T) {
	fixture := machotest.BuildThin(bytes.Repeat([]byte{0}, 16))

	out, err := Sign(context.Background(), fixture.Data, newRequest("com.example.app"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	view, _, err := inspector.Parse(out)
	if err != nil {
		t.Fatalf("Parse(signed): %v", err)
	}
	loc, ok := inspector.FindSignature(view)
	if !ok {
		t.Fatal("signed output carries no embedded signature")
	}
	if loc.SignatureEndOffset-loc.SignatureStartOffset == 0 {
		t.Fatal("signed output's signature region is empty")
	}

	text := out[fixture.TextOffset : fixture.TextOffset+fixture.TextSize]
	if !bytes.Equal(text, bytes.Repeat([]byte{0x90}, machotest.PageSize)) {
		t.Fatal("signing altered __TEXT contents")
	}
}

func TestSignRejectsBinaryWithoutExistingCodeSignatureCommand(t *testing.T) {
	fixture := machotest.BuildThin(nil)

	_, err := Sign(context.Background(), fixture.Data, newRequest("com.example.app"))
	if err == nil {
		t.Fatal("Sign accepted a binary with no LC_CODE_SIGNATURE command")
	}
	var scopeErr *ScopeError
	if !errors.As(err, &scopeErr) {
		t.Fatalf("error is not a *ScopeError: %v", err)
	}
	if !errors.Is(scopeErr, ErrBinaryNoCodeSignature) {
		t.Fatalf("underlying error = %v, want ErrBinaryNoCodeSignature", scopeErr.Unwrap())
	}
}

func TestSignRequiresAnIdentifier(t *testing.T) {
	fixture := machotest.BuildThin(bytes.Repeat([]byte{0}, 16))
	s := settings.New() // no Scoped installed at all: Identifier stays ""

	_, err := Sign(context.Background(), fixture.Data, Request{Settings: s, Path: "test.bin"})
	if err == nil {
		t.Fatal("Sign accepted a request with no identifier and no prior signature to inherit one from")
	}
}

func TestSignWithSignerAttachesDefaultDesignatedRequirement(t *testing.T) {
	fixture := machotest.BuildThin(bytes.Repeat([]byte{0}, 16))

	req := newRequest("com.example.app")
	req.Signer = selfSignedSigner(t, "Test Signing Identity")

	out, err := Sign(context.Background(), fixture.Data, req)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	view, _, err := inspector.Parse(out)
	if err != nil {
		t.Fatalf("Parse(signed): %v", err)
	}
	loc, ok := inspector.FindSignature(view)
	if !ok {
		t.Fatal("signed output carries no embedded signature")
	}
	cmddat := out[loc.LinkeditSignatureStartOffset : loc.LinkeditSignatureStartOffset+(loc.SignatureEndOffset-loc.SignatureStartOffset)]

	cs, err := codesign.ParseCodeSignature(cmddat)
	if err != nil {
		t.Fatalf("ParseCodeSignature: %v", err)
	}
	if len(cs.Requirements) != 1 {
		t.Fatalf("len(Requirements) = %d, want 1 (the default designated requirement)", len(cs.Requirements))
	}
	detail := cs.Requirements[0].Detail
	if !strings.Contains(detail, "anchor apple generic") {
		t.Fatalf("Detail = %q, want it to contain %q", detail, "anchor apple generic")
	}
	if !strings.Contains(detail, "Test Signing Identity") {
		t.Fatalf("Detail = %q, want it to contain the signer's common name", detail)
	}
}

func TestSignFatBinaryProducesOneSignedSlicePerArch(t *testing.T) {
	fat := machotest.BuildFat([]machotest.SliceSpec{
		{CPU: types.CPUAmd64, Signature: bytes.Repeat([]byte{0}, 16)},
		{CPU: types.CPUArm64, Signature: bytes.Repeat([]byte{0}, 16)},
	})

	out, err := Sign(context.Background(), fat.Data, newRequest("com.example.app"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	_, fv, err := inspector.Parse(out)
	if err != nil {
		t.Fatalf("Parse(signed fat): %v", err)
	}
	if fv == nil || len(fv.Slices) != 2 {
		t.Fatalf("signed fat output has %v slices, want 2", fv)
	}
	for i, s := range fv.Slices {
		if _, ok := inspector.FindSignature(s.View); !ok {
			t.Fatalf("slice %d carries no embedded signature", i)
		}
	}
}
