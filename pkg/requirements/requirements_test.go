package requirements

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/appsworld/machosign/pkg/blob"
)

func selfSignedCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return cert
}

func TestDefaultDesignatedRequirementBlobHeader(t *testing.T) {
	cert := selfSignedCert(t, "Developer ID Application: Example Corp")
	out := DefaultDesignatedRequirement(cert)

	if len(out) < 12 {
		t.Fatalf("blob too short: %d bytes", len(out))
	}
	magic := binary.BigEndian.Uint32(out[0:4])
	if blob.Magic(magic) != blob.MAGIC_REQUIREMENT {
		t.Fatalf("magic = %#x, want %#x", magic, uint32(blob.MAGIC_REQUIREMENT))
	}
	length := binary.BigEndian.Uint32(out[4:8])
	if int(length) != len(out) {
		t.Fatalf("length field = %d, want %d", length, len(out))
	}
	kind := binary.BigEndian.Uint32(out[8:12])
	if kind != requirementKindExpression {
		t.Fatalf("kind = %d, want %d", kind, requirementKindExpression)
	}
}

func TestDefaultDesignatedRequirementParsesBackToExpectedExpression(t *testing.T) {
	cert := selfSignedCert(t, "Developer ID Application: Example Corp")
	out := DefaultDesignatedRequirement(cert)

	r := bytes.NewReader(out)
	reqs := blob.Requirements{Type: blob.DesignatedRequirementType, Offset: 12}
	detail, err := blob.ParseRequirements(r, reqs)
	if err != nil {
		t.Fatalf("ParseRequirements: %v", err)
	}
	if !strings.Contains(detail, "anchor apple generic") {
		t.Fatalf("detail missing anchor clause: %q", detail)
	}
	if !strings.Contains(detail, "certificate leaf[subject.CN]") {
		t.Fatalf("detail missing leaf certificate field clause: %q", detail)
	}
	if !strings.Contains(detail, cert.Subject.CommonName) {
		t.Fatalf("detail missing the certificate's common name: %q", detail)
	}
}

func TestDefaultDesignatedRequirementPadsOddLengthCommonName(t *testing.T) {
	// an odd-length CN forces encodeData's 4-byte alignment padding to
	// actually insert padding bytes, exercising that path.
	cert := selfSignedCert(t, "Example") // 7 bytes, not a multiple of 4
	out := DefaultDesignatedRequirement(cert)

	r := bytes.NewReader(out)
	reqs := blob.Requirements{Type: blob.DesignatedRequirementType, Offset: 12}
	detail, err := blob.ParseRequirements(r, reqs)
	if err != nil {
		t.Fatalf("ParseRequirements: %v", err)
	}
	if !strings.Contains(detail, "Example") {
		t.Fatalf("detail missing common name: %q", detail)
	}
}
