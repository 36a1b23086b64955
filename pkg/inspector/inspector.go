// Package inspector provides read-only access to a Mach-O's signing
// geometry: whether it already carries a signature, where that
// signature sits inside __LINKEDIT, and whether its layout is one the
// rewriter can safely grow or shrink in place.
//
// Grounded on blacktop/go-macho's top-level NewFile/Segment accessors
// (see the root package's file.go), narrowed to the handful of facts
// a signing pass actually needs instead of a full introspection API.
package inspector

import (
	"bytes"
	"encoding/binary"
	"fmt"

	machosign "github.com/appsworld/machosign"
	"github.com/appsworld/machosign/types"
)

// SignatureLocation describes where an existing embedded signature
// sits, in both __LINKEDIT-relative and absolute file-offset terms.
type SignatureLocation struct {
	LinkeditSegmentIndex       int
	LinkeditSegmentData        []byte
	SignatureStartOffset       int64 // relative to __LINKEDIT data
	SignatureEndOffset         int64
	LinkeditSignatureStartOffset int64 // absolute file offset
}

// View wraps a parsed thin Mach-O together with the byte range it was
// parsed from, so later components can re-read segment contents.
type View struct {
	File *machosign.File
	Data []byte
}

// FatView is a parsed fat/universal Mach-O: one View per architecture
// slice, plus the slice's own byte range within the original input.
type FatView struct {
	Slices []FatSlice
}

type FatSlice struct {
	Arch   types.FatArch
	View   *View
	Offset int64
	Size   int64
}

// Parse recognizes a fat container (big-endian cafebabe/cafebabf magic
// at offset 0) and decomposes it into independently parsed slices;
// anything else is parsed as a single thin Mach-O.
func Parse(data []byte) (*View, *FatView, error) {
	if len(data) < 4 {
		return nil, nil, &machosign.FormatError{}
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	switch types.Magic(magic) {
	case types.FatMagic, types.FatMagic64:
		fv, err := parseFat(data, magic == uint32(types.FatMagic64))
		return nil, fv, err
	default:
		v, err := parseThin(data)
		return v, nil, err
	}
}

func parseThin(data []byte) (*View, error) {
	f, err := machosign.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("inspector: %w", err)
	}
	return &View{File: f, Data: data}, nil
}

func parseFat(data []byte, is64 bool) (*FatView, error) {
	r := bytes.NewReader(data)
	var hdr types.FatHeader
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("inspector: failed to read fat header: %w", err)
	}
	fv := &FatView{}
	for i := uint32(0); i < hdr.NArch; i++ {
		var off, size int64
		var arch types.FatArch
		if is64 {
			var a64 types.FatArch64
			if err := binary.Read(r, binary.BigEndian, &a64); err != nil {
				return nil, fmt.Errorf("inspector: failed to read fat_arch_64 #%d: %w", i, err)
			}
			arch = types.FatArch{CPU: a64.CPU, SubCPU: a64.SubCPU, Align: a64.Align}
			off, size = int64(a64.Offset), int64(a64.Size)
		} else {
			if err := binary.Read(r, binary.BigEndian, &arch); err != nil {
				return nil, fmt.Errorf("inspector: failed to read fat_arch #%d: %w", i, err)
			}
			off, size = int64(arch.Offset), int64(arch.Size)
		}
		if off < 0 || size < 0 || off+size > int64(len(data)) {
			return nil, fmt.Errorf("inspector: fat slice #%d out of bounds", i)
		}
		slice := data[off : off+size]
		view, err := parseThin(slice)
		if err != nil {
			return nil, fmt.Errorf("inspector: fat slice #%d: %w", i, err)
		}
		fv.Slices = append(fv.Slices, FatSlice{Arch: arch, View: view, Offset: off, Size: size})
	}
	return fv, nil
}

// FindSignature locates v's embedded signature within __LINKEDIT, if
// it carries one.
func FindSignature(v *View) (*SignatureLocation, bool) {
	lc := v.File.CodeSignatureCmd()
	if lc == nil {
		return nil, false
	}
	for idx, l := range v.File.Loads {
		seg, ok := l.(*machosign.Segment)
		if !ok || seg.Name != "__LINKEDIT" {
			continue
		}
		linkeditData := v.Data[seg.Offset : seg.Offset+seg.Filesz]
		start := int64(lc.Offset) - int64(seg.Offset)
		return &SignatureLocation{
			LinkeditSegmentIndex:         idx,
			LinkeditSegmentData:         linkeditData,
			SignatureStartOffset:        start,
			SignatureEndOffset:          start + int64(lc.Size),
			LinkeditSignatureStartOffset: int64(lc.Offset),
		}, true
	}
	return nil, false
}

// LinkeditSegment returns v's __LINKEDIT segment, or nil.
func LinkeditSegment(v *View) *machosign.Segment {
	return v.File.Segment("__LINKEDIT")
}

// LastSegment returns the final LC_SEGMENT[_64] load command in file
// order, the one whose identity as __LINKEDIT the Capability Checker
// validates.
func LastSegment(v *View) *machosign.Segment {
	var last *machosign.Segment
	for _, l := range v.File.Loads {
		if seg, ok := l.(*machosign.Segment); ok {
			last = seg
		}
	}
	return last
}
