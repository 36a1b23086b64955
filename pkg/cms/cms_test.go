package cms

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"math/big"
	"strings"
	"testing"
	"time"
)

func selfSignedSigner(t *testing.T) Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Test Signing Identity"},
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
	return Signer{Key: key, Leaf: leaf}
}

func TestSignProducesDEREncodedSignedData(t *testing.T) {
	signer := selfSignedSigner(t)
	codeDirectory := bytes.Repeat([]byte{0x42}, 128)
	cdHash := bytes.Repeat([]byte{0x99}, 32)

	out, err := Sign(context.Background(), codeDirectory, cdHash, signer, Options{})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("Sign returned empty output")
	}
	// a DER SEQUENCE always starts with tag 0x30
	if out[0] != 0x30 {
		t.Fatalf("Sign output does not start with a DER SEQUENCE tag: %#x", out[0])
	}
}

func TestSignWithExplicitSigningTimeIsDeterministicOptionShape(t *testing.T) {
	signer := selfSignedSigner(t)
	opts := WithSigningTime(Options{}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	out, err := Sign(context.Background(), []byte("code-directory-bytes"), bytes.Repeat([]byte{0x01}, 32), signer, opts)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("Sign returned empty output")
	}
}

func TestAttachTimestampTokenPreservesSignatureAndAddsAttribute(t *testing.T) {
	signer := selfSignedSigner(t)
	codeDirectory := bytes.Repeat([]byte{0x42}, 128)
	cdHash := bytes.Repeat([]byte{0x99}, 32)

	signature, err := Sign(context.Background(), codeDirectory, cdHash, signer, Options{})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var before pkcs7ContentInfo
	if _, err := asn1.Unmarshal(signature, &before); err != nil {
		t.Fatalf("unmarshal signature before attaching: %v", err)
	}
	if len(before.Content.SignerInfos) != 1 {
		t.Fatalf("len(SignerInfos) = %d, want 1", len(before.Content.SignerInfos))
	}

	fakeToken := []byte{0x30, 0x03, 0x02, 0x01, 0x07} // an arbitrary valid DER SEQUENCE
	out, err := attachTimestampToken(signature, fakeToken)
	if err != nil {
		t.Fatalf("attachTimestampToken: %v", err)
	}
	if len(out) <= len(signature) {
		t.Fatalf("len(out) = %d, want > len(signature) = %d", len(out), len(signature))
	}

	var after pkcs7ContentInfo
	if _, err := asn1.Unmarshal(out, &after); err != nil {
		t.Fatalf("unmarshal timestamped output: %v", err)
	}
	if len(after.Content.SignerInfos) != 1 {
		t.Fatalf("len(SignerInfos) after attach = %d, want 1", len(after.Content.SignerInfos))
	}
	signerAfter := after.Content.SignerInfos[0]
	if !bytes.Equal(signerAfter.EncryptedDigest, before.Content.SignerInfos[0].EncryptedDigest) {
		t.Fatal("attachTimestampToken altered the original signature value")
	}
	if len(signerAfter.UnauthenticatedAttributes) != 1 {
		t.Fatalf("len(UnauthenticatedAttributes) = %d, want 1", len(signerAfter.UnauthenticatedAttributes))
	}
	attr := signerAfter.UnauthenticatedAttributes[0]
	if !attr.Type.Equal(oidAttributeTimeStampToken) {
		t.Fatalf("attribute OID = %v, want %v", attr.Type, oidAttributeTimeStampToken)
	}
	if len(attr.Values) != 1 || !bytes.Equal(attr.Values[0].FullBytes, fakeToken) {
		t.Fatalf("attribute value = %v, want %v", attr.Values, fakeToken)
	}
}

func TestCdhashesPlistXMLEmbedsBase64Digest(t *testing.T) {
	hash := []byte{0xde, 0xad, 0xbe, 0xef}
	xml := cdhashesPlistXML([][]byte{hash})

	if !strings.Contains(xml, "<key>cdhashes</key>") {
		t.Fatalf("plist missing cdhashes key: %s", xml)
	}
	want := base64.StdEncoding.EncodeToString(hash)
	if !strings.Contains(xml, "<data>"+want+"</data>") {
		t.Fatalf("plist missing expected base64 digest %q: %s", want, xml)
	}
}
