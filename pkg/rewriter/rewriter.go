// Package rewriter regenerates a Mach-O's bytes with a new embedded
// code signature spliced into the tail of __LINKEDIT, touching exactly
// two size fields (the code-signature command's datasize and the
// __LINKEDIT segment's filesize) and leaving every other byte in
// place.
//
// Grounded on blacktop/go-macho's FileTOC.Put (root file.go), which
// already knows how to re-serialize a header and load-command list in
// place; this package adds the segment-data copy pass the teacher
// never needed, since its own tooling never resizes __LINKEDIT.
package rewriter

import (
	"fmt"

	machosign "github.com/appsworld/machosign"
	"github.com/appsworld/machosign/pkg/inspector"
	"github.com/appsworld/machosign/types"
)

// Write rebuilds original as a new byte slice with newSignature
// spliced in at the signature region loc describes, relative to v (a
// View already parsed from original).
func Write(original []byte, v *inspector.View, loc *inspector.SignatureLocation, newSignature []byte) ([]byte, error) {
	f := v.File

	newLinkeditFilesz := uint64(loc.SignatureStartOffset) + uint64(len(newSignature))

	hdrSize := f.HdrSize()
	out := make([]byte, hdrSize)
	f.FileHeader.Put(out, f.ByteOrder)

	cmdBuf := make([]byte, f.LoadSize())
	next := 0
	maxEnd := int64(0)
	for _, l := range f.Loads {
		switch lv := l.(type) {
		case *machosign.CodeSignature:
			cs := *lv
			cs.Size = uint32(len(newSignature))
			next += cs.Put(cmdBuf[next:], f.ByteOrder)
		case *machosign.Segment:
			if lv.Name == "__LINKEDIT" {
				seg := *lv
				seg.Filesz = newLinkeditFilesz
				switch f.Magic {
				case types.Magic64:
					next += seg.Put64(cmdBuf[next:], f.ByteOrder)
				default:
					next += seg.Put32(cmdBuf[next:], f.ByteOrder)
				}
				for i := uint32(0); i < lv.Nsect; i++ {
					sec := f.Sections[i+lv.Firstsect]
					if f.Magic == types.Magic64 {
						next += sec.Put64(cmdBuf[next:], f.ByteOrder)
					} else {
						next += sec.Put32(cmdBuf[next:], f.ByteOrder)
					}
				}
			} else {
				switch f.Magic {
				case types.Magic64:
					next += lv.Put64(cmdBuf[next:], f.ByteOrder)
				default:
					next += lv.Put32(cmdBuf[next:], f.ByteOrder)
				}
				for i := uint32(0); i < lv.Nsect; i++ {
					sec := f.Sections[i+lv.Firstsect]
					if f.Magic == types.Magic64 {
						next += sec.Put64(cmdBuf[next:], f.ByteOrder)
					} else {
						next += sec.Put32(cmdBuf[next:], f.ByteOrder)
					}
				}
				if end := int64(lv.Offset + lv.Filesz); end > maxEnd {
					maxEnd = end
				}
			}
		default:
			next += l.Put(cmdBuf[next:], f.ByteOrder)
		}
	}
	out = append(out, cmdBuf[:next]...)

	pos := int64(len(out))
	for _, l := range f.Loads {
		seg, ok := l.(*machosign.Segment)
		if !ok || seg.Name == "__PAGEZERO" {
			continue
		}
		if seg.Name == "__LINKEDIT" {
			linkeditOriginal := v.Data[seg.Offset : seg.Offset+seg.Filesz]
			prefix := linkeditOriginal[:loc.SignatureStartOffset]
			out = append(out, prefix...)
			out = append(out, newSignature...)
			pos = int64(len(out))
			continue
		}
		segStart := int64(seg.Offset)
		segEnd := segStart + int64(seg.Filesz)
		if segEnd > int64(len(original)) {
			return nil, fmt.Errorf("rewriter: segment %s extends past end of input: %w", seg.Name, &machosign.FormatError{})
		}
		if segStart >= pos {
			out = append(out, original[segStart:segEnd]...)
			pos = segEnd
			continue
		}
		if segEnd <= pos {
			continue
		}
		out = append(out, original[pos:segEnd]...)
		pos = segEnd
	}

	return out, nil
}
