// Package signer resolves the circular dependency between a Code
// Directory's hashes and the signature's own size (the hashed range
// excludes the signature, but the signature's placement depends on
// its size) via a two-pass placeholder-then-rewrite pipeline, and
// assembles fat containers slice by slice.
//
// Grounded on quill's (retrieved alongside this pack as prior art for
// Apple code-signing-from-Go tooling) two-pass sign-then-patch
// approach, adapted to this module's Blob Model, Code Directory
// Builder and Mach-O Rewriter instead of quill's own.
package signer

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/appsworld/machosign/pkg/blob"
	"github.com/appsworld/machosign/pkg/cms"
	"github.com/appsworld/machosign/pkg/codedirectory"
	"github.com/appsworld/machosign/pkg/hasher"
	"github.com/appsworld/machosign/pkg/inspector"
	"github.com/appsworld/machosign/pkg/requirements"
	"github.com/appsworld/machosign/pkg/rewriter"
	"github.com/appsworld/machosign/pkg/settings"
	"github.com/appsworld/machosign/types"
)

// placeholderSlack is the padding added atop the first pass's measured
// signature length before the rewrite. Oversized relative to the
// spec's stated 1024-byte minimum: digitorus/pkcs7's chain encoding
// grows non-trivially with certificate count, and over-provisioning
// one page is cheaper than risking ErrSignatureDataTooLarge on a
// three-certificate chain.
const placeholderSlack = 4096

var logger = slog.Default()

// WithLogger overrides the package-level logger used for structured
// progress lines (path, slice_index, cpu_type fields).
func WithLogger(l *slog.Logger) { logger = l }

// Request is one signing operation's complete input.
type Request struct {
	Settings *settings.Settings
	Signer   *cms.Signer // nil means ad-hoc (no CMS slot)
	CMS      cms.Options
	Path     string // informational, for log lines only
}

// Sign signs data (a thin or fat Mach-O) per req and returns the
// rewritten bytes. ctx is threaded down to the CMS builder's optional
// time-stamp HTTP round-trip and no further.
func Sign(ctx context.Context, data []byte, req Request) ([]byte, error) {
	view, fat, err := inspector.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	if fat != nil {
		return signFat(ctx, data, fat, req)
	}
	out, err := signSlice(ctx, data, view, req.Settings, req)
	if err != nil {
		return nil, &ScopeError{Scope: "@main", Err: err}
	}
	return out, nil
}

func signFat(ctx context.Context, original []byte, fat *inspector.FatView, req Request) ([]byte, error) {
	type slice struct {
		arch types.FatArch
		out  []byte
	}
	slices := make([]slice, len(fat.Slices))
	for i, s := range fat.Slices {
		logger.Info("signing fat slice", "slice_index", i, "cpu_type", s.Arch.CPU.String(), "path", req.Path)
		sliceSettings := req.Settings.AsNestedMachoSettings(i, s.Arch.CPU)
		out, err := signSlice(ctx, original[s.Offset:s.Offset+s.Size], s.View, sliceSettings, req)
		if err != nil {
			return nil, &ScopeError{Scope: fmt.Sprintf("@%d", i), Err: err}
		}
		slices[i] = slice{arch: s.Arch, out: out}
	}

	const align = 12 // log2(4096)
	headerLen := int64(types.FatHeaderSize) + int64(len(slices))*int64(types.FatArchSize)
	pos := alignUp(headerLen, 1<<align)

	archRecords := make([]types.FatArch, len(slices))
	for i, s := range slices {
		archRecords[i] = types.FatArch{CPU: s.arch.CPU, SubCPU: s.arch.SubCPU, Offset: uint32(pos), Size: uint32(len(s.out)), Align: align}
		pos += alignUp(int64(len(s.out)), 1<<align)
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, types.FatHeader{Magic: types.FatMagic, NArch: uint32(len(slices))})
	binary.Write(&buf, binary.BigEndian, archRecords)
	for i, s := range slices {
		padTo(&buf, int64(archRecords[i].Offset))
		buf.Write(s.out)
	}
	padTo(&buf, pos)
	return buf.Bytes(), nil
}

func alignUp(n, align int64) int64 {
	if r := n % align; r != 0 {
		return n + (align - r)
	}
	return n
}

func padTo(buf *bytes.Buffer, target int64) {
	if gap := target - int64(buf.Len()); gap > 0 {
		buf.Write(make([]byte, gap))
	}
}

// signSlice runs the circular-dependency resolver (spec 4.9) over a
// single thin Mach-O.
func signSlice(ctx context.Context, original []byte, view *inspector.View, s *settings.Settings, req Request) ([]byte, error) {
	if err := checkCapability(view); err != nil {
		return nil, err
	}

	scoped, _ := s.Get(settings.ScopeMain())

	prior, _ := parsePrior(view)

	nominal, _, err := buildSuperBlob(ctx, view, original, scoped, s, req, prior)
	if err != nil {
		return nil, fmt.Errorf("build nominal signature: %w", err)
	}
	placeholderLen := len(nominal) + placeholderSlack

	loc, hasSig := inspector.FindSignature(view)
	var linkeditSigStart int64
	if hasSig {
		linkeditSigStart = loc.SignatureStartOffset
	} else {
		seg := inspector.LinkeditSegment(view)
		linkeditSigStart = int64(seg.Filesz)
		loc = &inspector.SignatureLocation{SignatureStartOffset: linkeditSigStart}
	}

	placeholder := make([]byte, placeholderLen)
	intermediate, err := rewriter.Write(original, view, loc, placeholder)
	if err != nil {
		return nil, fmt.Errorf("rewrite intermediate: %w", err)
	}

	intermediateView, _, err := inspector.Parse(intermediate)
	if err != nil {
		return nil, fmt.Errorf("reparse intermediate: %w", err)
	}

	real, _, err := buildSuperBlob(ctx, intermediateView, intermediate, scoped, s, req, prior)
	if err != nil {
		return nil, fmt.Errorf("build real signature: %w", err)
	}
	if len(real) > placeholderLen {
		return nil, ErrSignatureDataTooLarge
	}
	padded := make([]byte, placeholderLen)
	copy(padded, real)

	final, err := rewriter.Write(original, view, loc, padded)
	if err != nil {
		return nil, fmt.Errorf("rewrite final: %w", err)
	}
	return final, nil
}

// checkCapability is the Signing Capability Checker (spec 4.2): the
// rewriter only ever patches the existing code-signature load
// command's datasize and __LINKEDIT's filesize, so a binary lacking
// either precondition cannot be signed by this engine.
func checkCapability(view *inspector.View) error {
	if view.File.CodeSignatureCmd() == nil {
		return ErrBinaryNoCodeSignature
	}
	last := inspector.LastSegment(view)
	linkedit := inspector.LinkeditSegment(view)
	if linkedit == nil || last == nil || last.Name != "__LINKEDIT" {
		return ErrLinkeditNotLast
	}
	if loc, ok := inspector.FindSignature(view); ok {
		if loc.SignatureEndOffset != int64(len(loc.LinkeditSegmentData)) {
			return ErrDataAfterSignature
		}
	}
	return nil
}

func parsePrior(view *inspector.View) (*blob.CodeSignature, bool) {
	lc := view.File.CodeSignatureCmd()
	if lc == nil {
		return nil, false
	}
	cs, err := view.File.ParseCodeSignature()
	if err != nil {
		return nil, false
	}
	return &cs.CodeSignature, true
}

// buildSuperBlob runs the Code Directory Builder and Special-Blob
// Builder, wraps them (and an optional CMS signature) in a SuperBlob,
// and returns its serialized bytes plus the raw Code Directory bytes
// (needed as the CMS encapsulated content).
func buildSuperBlob(ctx context.Context, view *inspector.View, data []byte, scoped settings.Scoped, s *settings.Settings, req Request, prior *blob.CodeSignature) ([]byte, []byte, error) {
	loc, hasSig := inspector.FindSignature(view)
	var codeLimit uint64
	if hasSig {
		codeLimit = uint64(loc.LinkeditSignatureStartOffset)
	} else if linkedit := inspector.LinkeditSegment(view); linkedit != nil {
		codeLimit = linkedit.Offset
	} else if last := inspector.LastSegment(view); last != nil {
		codeLimit = last.Offset + last.Filesz
	}
	if codeLimit > uint64(len(data)) {
		codeLimit = uint64(len(data))
	}

	hashes, err := hasher.PageHashes(bytes.NewReader(data[:codeLimit]), int64(codeLimit), blob.PAGE_SIZE, hasher.SHA256)
	if err != nil {
		return nil, nil, fmt.Errorf("page hashes: %w", err)
	}

	flags := scoped.Flags
	if !scoped.HasFlags && prior != nil && len(prior.CodeDirectories) > 0 {
		flags = uint32(prior.CodeDirectories[0].Header.Flags)
	}
	if req.Signer == nil {
		flags |= 0x2 // ADHOC
	}
	flags &^= 0x20000 // LINKER_SIGNED always cleared

	identifier := scoped.Identifier
	if identifier == "" && prior != nil && len(prior.CodeDirectories) > 0 {
		identifier = prior.CodeDirectories[0].ID
	}
	if identifier == "" {
		return nil, nil, ErrNoIdentifier
	}

	teamID := s.TeamName
	if teamID == "" && prior != nil && len(prior.CodeDirectories) > 0 {
		teamID = prior.CodeDirectories[0].TeamID
	}

	execSegFlags := scoped.ExecSegFlags
	if !scoped.HasExecSegFlags && prior != nil && len(prior.CodeDirectories) > 0 {
		execSegFlags = uint64(prior.CodeDirectories[0].Header.ExecSegFlags)
	}

	sb := blob.NewSuperBlob(blob.MAGIC_EMBEDDED_SIGNATURE)

	specialSlots := map[int][]byte{}
	if len(scoped.InfoPlist) > 0 {
		specialSlots[codedirectory.SlotInfoPlist] = sha256Sum(scoped.InfoPlist)
	}
	if len(scoped.CodeResources) > 0 {
		specialSlots[codedirectory.SlotResourceDir] = sha256Sum(scoped.CodeResources)
	}
	reqs := scoped.Requirements
	if len(reqs) == 0 && req.Signer != nil {
		// No explicit designated requirement was configured; fall back to
		// the default one every signed binary gets, binding the signature
		// to the signing certificate's leaf.
		reqs = [][]byte{requirements.DefaultDesignatedRequirement(req.Signer.Leaf)}
	}
	if len(reqs) > 0 {
		reqBlob := blob.BuildRequirementsBlob(reqs)
		specialSlots[codedirectory.SlotRequirements] = sha256Sum(reqBlob)
		// reqBlob already carries its own Magic+Length header, same as the
		// CodeDirectory blob above; add it as a pre-built Blob to avoid a
		// redundant second header.
		sb.AddBlob(blob.CSSLOT_REQUIREMENTS, blob.Blob{
			BlobHeader: blob.BlobHeader{Magic: blob.MAGIC_REQUIREMENTS, Length: uint32(len(reqBlob))},
			Data:       reqBlob[8:],
		})
	}
	if scoped.Entitlements != "" {
		entBlob := []byte(scoped.Entitlements)
		specialSlots[codedirectory.SlotEntitlements] = sha256Sum(wrapBlobHeader(blob.MAGIC_EMBEDDED_ENTITLEMENTS, entBlob))
		sb.AddBlob(blob.CSSLOT_ENTITLEMENTS, blob.NewBlob(blob.MAGIC_EMBEDDED_ENTITLEMENTS, entBlob))
	}

	// Runtime is preserved verbatim from the prior Code Directory when
	// present; the scope carries no field to override it with.
	var runtimeVersion uint32
	if prior != nil && len(prior.CodeDirectories) > 0 {
		runtimeVersion = uint32(prior.CodeDirectories[0].Header.Runtime)
	}

	cdBytes, err := codedirectory.Build(codedirectory.Spec{
		Identifier:     identifier,
		TeamID:         teamID,
		Flags:          flags,
		Algorithm:      hasher.SHA256,
		CodeLimit:      codeLimit,
		ExecSegFlags:   execSegFlags,
		RuntimeVersion: runtimeVersion,
		SpecialSlots:   specialSlots,
		CodeHashes:     hashes,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build code directory: %w", err)
	}
	// cdBytes already carries its own Magic+Length header (CodeDirectoryType.Put
	// writes it at offset 0), so it's added as a pre-built Blob rather than via
	// NewBlob, which would prepend a second, redundant header.
	sb.AddBlob(blob.CSSLOT_CODEDIRECTORY, blob.Blob{
		BlobHeader: blob.BlobHeader{Magic: blob.MAGIC_CODEDIRECTORY, Length: uint32(len(cdBytes))},
		Data:       cdBytes[8:],
	})

	if req.Signer != nil {
		cdHash := sha256Sum(cdBytes)
		cmsBytes, err := cms.Sign(ctx, cdBytes, cdHash, *req.Signer, req.CMS)
		if err != nil {
			return nil, nil, fmt.Errorf("cms sign: %w", err)
		}
		sb.AddBlob(blob.CSSLOT_CMS_SIGNATURE, blob.NewBlob(blob.MAGIC_BLOBWRAPPER, cmsBytes))
	}

	var buf bytes.Buffer
	if err := sb.Write(&buf, binary.BigEndian); err != nil {
		return nil, nil, fmt.Errorf("write superblob: %w", err)
	}
	return buf.Bytes(), cdBytes, nil
}

func wrapBlobHeader(magic blob.Magic, data []byte) []byte {
	out := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(out[0:], uint32(magic))
	binary.BigEndian.PutUint32(out[4:], uint32(len(out)))
	copy(out[8:], data)
	return out
}

func sha256Sum(b []byte) []byte {
	h, _ := hasher.SHA256.Sum(b)
	return h
}
