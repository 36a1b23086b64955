// Package requirements synthesizes the one requirement expression this
// engine emits automatically: a default designated requirement binding
// a signature to the leaf certificate it was signed with. General
// requirement-expression compilation stays out of scope (see
// blob.ParseRequirements for the parse-only half); this package only
// ever produces the single fixed shape
// "anchor apple generic and certificate leaf[subject.CN] = "<cn>"".
package requirements

import (
	"crypto/x509"
	"encoding/binary"

	"github.com/appsworld/machosign/pkg/blob"
)

// exprForm opcodes, mirroring blob.go's unexported exprOp values for
// the two this package emits.
const (
	opAnd                uint32 = 6
	opCertField          uint32 = 11
	opAppleGenericAnchor uint32 = 15
)

const matchEqual uint32 = 1

const leafCertSlot int32 = 0

// requirementKindExpression is the "kind" field of a single Requirement
// blob's body: 1 means the body is an opcode expression, the only kind
// this package (or blob.ParseRequirements) understands.
const requirementKindExpression uint32 = 1

// DefaultDesignatedRequirement builds a MAGIC_REQUIREMENT blob
// expressing "anchor apple generic and certificate leaf[subject.CN] =
// <cert's common name>", suitable for passing to
// blob.BuildRequirementsBlob. Requirement semantics beyond this one
// fixed shape are a Non-goal; callers needing anything richer must
// supply their own compiled expression bytes.
func DefaultDesignatedRequirement(cert *x509.Certificate) []byte {
	expr := encodeAnd(
		encodeOp(opAppleGenericAnchor),
		encodeCertField(leafCertSlot, "subject.CN", cert.Subject.CommonName),
	)

	body := append(encodeUint32(requirementKindExpression), expr...)

	out := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(out[0:], uint32(blob.MAGIC_REQUIREMENT))
	binary.BigEndian.PutUint32(out[4:], uint32(len(out)))
	copy(out[8:], body)
	return out
}

func encodeOp(op uint32) []byte { return encodeUint32(op) }

func encodeAnd(left, right []byte) []byte {
	out := encodeUint32(opAnd)
	out = append(out, left...)
	out = append(out, right...)
	return out
}

func encodeCertField(slot int32, field, matchValue string) []byte {
	out := encodeUint32(opCertField)
	out = append(out, encodeInt32(slot)...)
	out = append(out, encodeData(field)...)
	out = append(out, encodeUint32(matchEqual)...)
	out = append(out, encodeData(matchValue)...)
	return out
}

// encodeData writes a requirement-language string: a big-endian length
// prefix followed by the bytes, zero-padded to a 4-byte boundary, the
// inverse of requirement.go's getData.
func encodeData(s string) []byte {
	data := []byte(s)
	padded := (len(data) + 3) &^ 3
	out := make([]byte, 4+padded)
	binary.BigEndian.PutUint32(out[0:], uint32(len(data)))
	copy(out[4:], data)
	return out
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func encodeInt32(v int32) []byte {
	return encodeUint32(uint32(v))
}
