// Package cms builds the CMS SignedData wrapper that sits in an
// embedded signature's CMS slot: a detached signature over the Code
// Directory bytes, carrying the standard content-type/message-digest
// signed attributes plus Apple's proprietary cdhashes attribute, and
// optionally time-stamped.
//
// Grounded on the pkcs7 SignedData builder pattern present in this
// codebase family (see other_examples' pkcs7 fork for the struct
// shapes CMS tooling here converges on), adapted to the real
// third-party implementations this module depends on:
// github.com/digitorus/pkcs7 for SignedData construction and
// github.com/digitorus/timestamp for the optional RFC 3161 round-trip.
package cms

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
)

// appleCdhashesOID is Apple's proprietary signed-attribute OID whose
// value is a DER OCTET STRING wrapping an XML plist of cdhashes.
var appleCdhashesOID = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 1}

// oidAttributeTimeStampToken is the PKCS#9 unsigned-attribute OID an RFC
// 3161 time-stamp token is carried under inside a SignerInfo.
var oidAttributeTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

// The following mirror just enough of RFC 5652's SignedData/SignerInfo
// ASN.1 grammar to let attachTimestampToken locate a SignerInfo and
// extend its unauthenticated attributes after Finish has already
// produced the DER bytes. Fields this package never interprets are left
// as opaque asn1.RawValue so re-marshaling reproduces them unchanged.
type pkcs7ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     pkcs7SignedData `asn1:"explicit,tag:0"`
}

type pkcs7SignedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue `asn1:"set"`
	EncapContentInfo asn1.RawValue
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []pkcs7SignerInfo `asn1:"set"`
}

type pkcs7SignerInfo struct {
	Version                   int
	IssuerAndSerialNumber     asn1.RawValue
	DigestAlgorithm           asn1.RawValue
	AuthenticatedAttributes   asn1.RawValue `asn1:"optional,tag:0"`
	DigestEncryptionAlgorithm asn1.RawValue
	EncryptedDigest           []byte
	UnauthenticatedAttributes []pkcs7Attribute `asn1:"optional,tag:1,set"`
}

type pkcs7Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// attachTimestampToken re-opens an already-finished SignedData and adds
// token to its first (only) SignerInfo's unauthenticated attributes,
// per RFC 3161 ?2.2's recommended placement for a counter-signature
// time-stamp. It never touches the authenticated attributes or the
// signature value itself, so the original signer's signature over the
// Code Directory survives unchanged.
func attachTimestampToken(signedData []byte, token []byte) ([]byte, error) {
	var envelope pkcs7ContentInfo
	if _, err := asn1.Unmarshal(signedData, &envelope); err != nil {
		return nil, fmt.Errorf("parse signed data: %w", err)
	}
	if len(envelope.Content.SignerInfos) == 0 {
		return nil, fmt.Errorf("signed data carries no signer info to timestamp")
	}
	envelope.Content.SignerInfos[0].UnauthenticatedAttributes = append(
		envelope.Content.SignerInfos[0].UnauthenticatedAttributes,
		pkcs7Attribute{Type: oidAttributeTimeStampToken, Values: []asn1.RawValue{{FullBytes: token}}},
	)
	out, err := asn1.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("remarshal signed data: %w", err)
	}
	return out, nil
}

// Signer is everything the builder needs to produce a signature:
// a private key, its leaf certificate, and an optional chain.
type Signer struct {
	Key   crypto.Signer
	Leaf  *x509.Certificate
	Chain []*x509.Certificate
}

// Options configures deterministic or external behavior of the
// builder: an injected signing time and nonce source for
// reproducible tests, and an optional time-stamp authority.
type Options struct {
	TimestampURL string
	HTTPClient   *http.Client

	signingTime *time.Time
	nonceSource func() []byte
}

// WithSigningTime overrides the signing-time signed attribute with a
// fixed value, so tests can produce deterministic CMS bytes.
func WithSigningTime(o Options, t time.Time) Options {
	o.signingTime = &t
	return o
}

// WithNonceSource overrides the time-stamp request's nonce generator,
// so tests can produce deterministic RFC 3161 requests.
func WithNonceSource(o Options, source func() []byte) Options {
	o.nonceSource = source
	return o
}

// Sign produces a DER-encoded CMS SignedData over codeDirectory,
// signed by s, carrying one cdhashes attribute holding cdHash (the
// caller's digest of codeDirectory), and (if opts.TimestampURL is set) an
// RFC 3161 time-stamp token over the resulting signature.
func Sign(ctx context.Context, codeDirectory []byte, cdHash []byte, s Signer, opts Options) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(codeDirectory)
	if err != nil {
		return nil, fmt.Errorf("cms: new signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	plistXML := cdhashesPlistXML([][]byte{cdHash})

	cfg := pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: []pkcs7.Attribute{
			{Type: appleCdhashesOID, Value: asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagOctetString, Bytes: []byte(plistXML)}},
		},
	}
	if opts.signingTime != nil {
		cfg.SignTime = *opts.signingTime
	}

	if err := sd.AddSigner(s.Leaf, s.Key, cfg); err != nil {
		return nil, fmt.Errorf("cms: add signer: %w", err)
	}
	for _, c := range s.Chain {
		sd.AddCertificate(c)
	}
	sd.Detach()

	signature, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("cms: finish signed data: %w", err)
	}

	if opts.TimestampURL == "" {
		return signature, nil
	}
	token, err := requestTimestamp(ctx, opts, signature)
	if err != nil {
		return nil, fmt.Errorf("cms: timestamp: %w", err)
	}
	timestamped, err := attachTimestampToken(signature, token)
	if err != nil {
		return nil, fmt.Errorf("cms: attach timestamp: %w", err)
	}
	return timestamped, nil
}

// requestTimestamp wraps signature in an RFC 3161 time-stamp token
// fetched from opts.TimestampURL, honoring ctx cancellation.
func requestTimestamp(ctx context.Context, opts Options, signature []byte) ([]byte, error) {
	// opts.nonceSource is consulted by tests that need a deterministic
	// RFC 3161 request; timestamp.CreateRequest generates its own nonce
	// otherwise.
	reqOpts := &timestamp.RequestOptions{Hash: crypto.SHA256}
	if opts.nonceSource != nil {
		reqOpts.Nonce = new(big.Int).SetBytes(opts.nonceSource())
	}
	tsq, err := timestamp.CreateRequest(bytes.NewReader(signature), reqOpts)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.TimestampURL, bytes.NewReader(tsq))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/timestamp-query")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("round trip: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if _, err := timestamp.ParseResponse(body); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return body, nil
}

// cdhashesPlistXML renders the minimal XML plist Apple's cdhashes
// attribute wraps: a dictionary with key "cdhashes" mapping to an
// array of base64-encoded digests.
func cdhashesPlistXML(hashes [][]byte) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">` + "\n")
	b.WriteString(`<plist version="1.0"><dict><key>cdhashes</key><array>`)
	for _, h := range hashes {
		b.WriteString("<data>")
		b.WriteString(base64.StdEncoding.EncodeToString(h))
		b.WriteString("</data>")
	}
	b.WriteString(`</array></dict></plist>`)
	return b.String()
}
