// Package codedirectory builds the CodeDirectory blob: the versioned,
// variable-length header plus its identifier string, optional team ID,
// special-slot hashes and ordinary code-slot hashes, laid out exactly as
// blob.CodeDirectoryType.Put describes.
//
// Grounded on the single-pass builder that used to live in
// blacktop/go-macho's pkg/codesign/types (types.Sign/size), generalized
// here to support every digest algorithm in pkg/hasher, the team-ID and
// runtime-version fields, and an inherited-metadata path instead of the
// ad-hoc-only flag set the original builder hard-coded.
package codedirectory

import (
	"fmt"

	"github.com/appsworld/machosign/pkg/blob"
	"github.com/appsworld/machosign/pkg/hasher"
)

// headerSizeExecSeg is the fixed header width through ExecSegFlags,
// the floor this builder always targets (versions below SUPPORTS_EXECSEG
// are never produced, only parsed).
const headerSizeExecSeg = 13*4 + 4 + 4*8 // 88 bytes
const headerSizeRuntime = headerSizeExecSeg + 4 + 4

// Inherited lists the fields a re-signing pass may copy from a
// binary's existing CodeDirectory rather than recompute. Nothing in
// this module reads it: Build takes every value from its Spec, and
// pkg/signer decides inheritance field by field from the prior
// CodeDirectory itself.
type Inherited struct {
	Flags         bool
	Runtime       bool
	ExecSegFlags  bool
	Identifier    bool
	TeamID        bool
	InfoPlistHash bool
	ResourcesHash bool
}

// Special slot indices, matching blob.SlotType's negative-offset
// convention (slot N holds the hash of special content N).
const (
	SlotInfoPlist     = 1
	SlotRequirements  = 2
	SlotResourceDir   = 3
	SlotApplication   = 4
	SlotEntitlements  = 5
	SlotEntitlementsDER = 7
)

// Spec describes the CodeDirectory to build.
type Spec struct {
	Identifier     string
	TeamID         string // empty means no team ID slot
	Flags          uint32
	Algorithm      hasher.Algorithm
	PageSize       int // must be a power of two; default 4096
	CodeLimit      uint64
	ExecSegBase    uint64
	ExecSegLimit   uint64
	ExecSegFlags   uint64
	RuntimeVersion uint32         // 0 means no SUPPORTS_RUNTIME fields
	SpecialSlots   map[int][]byte // slot index -> hash, see Slot* constants
	CodeHashes     [][]byte
}

// Build lays out a complete CodeDirectory blob (header + identifier +
// team ID + special-slot hashes + code-slot hashes) and returns its raw
// bytes, ready to be wrapped in a blob.Blob and added to a SuperBlob.
func Build(s Spec) ([]byte, error) {
	if s.PageSize == 0 {
		s.PageSize = 1 << hasher.DefaultPageShift
	}
	pageShift := uint8(0)
	for p := s.PageSize; p > 1; p >>= 1 {
		pageShift++
	}

	hashSize := s.Algorithm.Size()
	if hashSize == 0 {
		return nil, fmt.Errorf("codedirectory: unsupported digest algorithm %d", s.Algorithm)
	}

	headerSize := uint32(headerSizeExecSeg)
	version := blob.SUPPORTS_EXECSEG
	if s.RuntimeVersion != 0 {
		version = blob.SUPPORTS_RUNTIME
		headerSize = headerSizeRuntime
	}

	maxSpecialSlot := 0
	for idx := range s.SpecialSlots {
		if idx > maxSpecialSlot {
			maxSpecialSlot = idx
		}
	}

	idOff := headerSize
	afterIdent := idOff + uint32(len(s.Identifier)+1)

	teamOff := uint32(0)
	afterTeam := afterIdent
	if s.TeamID != "" {
		teamOff = afterIdent
		afterTeam = afterIdent + uint32(len(s.TeamID)+1)
	}

	hashOff := afterTeam + uint32(maxSpecialSlot*hashSize)
	length := hashOff + uint32(len(s.CodeHashes)*hashSize)

	cd := blob.CodeDirectoryType{
		Magic:         blob.MAGIC_CODEDIRECTORY,
		Length:        length,
		Version:       version,
		HashOffset:    hashOff,
		IdentOffset:   idOff,
		NSpecialSlots: uint32(maxSpecialSlot),
		NCodeSlots:    uint32(len(s.CodeHashes)),
		CodeLimit:     uint32(s.CodeLimit),
		HashSize:      uint8(hashSize),
		PageSize:      pageShift,
		TeamOffset:    teamOff,
		ExecSegBase:   s.ExecSegBase,
		ExecSegLimit:  s.ExecSegLimit,
	}
	cd.SetFlags(s.Flags)
	cd.SetHashType(uint8(s.Algorithm))
	cd.SetExecSegFlags(s.ExecSegFlags)
	if s.CodeLimit > 0xFFFFFFFF {
		cd.CodeLimit = 0
		cd.CodeLimit64 = s.CodeLimit
	}
	if s.RuntimeVersion != 0 {
		cd.SetRuntime(s.RuntimeVersion)
	}

	out := make([]byte, length)
	cursor := cd.Put(out)
	cursor = cursor[copy(cursor, s.Identifier):]
	cursor[0] = 0
	cursor = cursor[1:]
	if s.TeamID != "" {
		cursor = cursor[copy(cursor, s.TeamID):]
		cursor[0] = 0
		cursor = cursor[1:]
	}

	specialBase := out[afterTeam:hashOff]
	for idx := 1; idx <= maxSpecialSlot; idx++ {
		pos := (maxSpecialSlot - idx) * hashSize
		if h, ok := s.SpecialSlots[idx]; ok {
			copy(specialBase[pos:pos+hashSize], h)
		}
	}

	codeBase := out[hashOff:]
	for i, h := range s.CodeHashes {
		copy(codeBase[i*hashSize:(i+1)*hashSize], h)
	}

	return out, nil
}
