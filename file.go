package macho

// High level access to the subset of Mach-O structure that matters for
// code signing: the header, the load-command list, segments and
// sections, and in particular the __LINKEDIT segment and the
// LC_CODE_SIGNATURE command. Parsing of everything else a full Mach-O
// reader would expose (symbol tables, DWARF, fixups, export tries,
// objc/swift metadata) is out of scope here.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/appsworld/machosign/pkg/codesign"
	"github.com/appsworld/machosign/types"
)

// A File represents an open thin (single-architecture) Mach-O file.
type File struct {
	FileTOC

	closer io.Closer
	cr     io.ReaderAt
	sr     *io.SectionReader
}

// FileTOC is the table of contents of a Mach-O file: its header and its
// ordered list of load commands (segments carry their sections inline).
type FileTOC struct {
	types.FileHeader
	ByteOrder binary.ByteOrder
	Loads     []Load
	Sections  sections
}

type sections []*Section

func (t *FileTOC) String() string {
	s := t.FileHeader.String()
	s += t.LoadsString()
	return s
}

func pad(length int) string {
	if length > 0 {
		return strings.Repeat(" ", length)
	}
	return " "
}

// LoadsString renders every load command, matching blacktop/go-macho's
// `codesign --display`-style dump.
func (t *FileTOC) LoadsString() string {
	var s string
	for i, l := range t.Loads {
		if seg, ok := l.(*Segment); ok {
			s += fmt.Sprintf("%03d: %s sz=0x%08x off=0x%08x-0x%08x addr=0x%09x-0x%09x %s/%s   %s%s%s\n",
				i, seg.Command(), seg.Filesz, seg.Offset, seg.Offset+seg.Filesz, seg.Addr, seg.Addr+seg.Memsz, seg.Prot, seg.Maxprot, seg.Name, pad(20-len(seg.Name)), seg.Flag)
			continue
		}
		if l != nil {
			s += fmt.Sprintf("%03d: %s%s%v\n", i, l.Command(), pad(28-len(l.Command().String())), l)
		}
	}
	return s
}

// AddLoad appends a load command and keeps NCommands/SizeCommands
// consistent with it.
func (t *FileTOC) AddLoad(l Load) {
	t.Loads = append(t.Loads, l)
	t.NCommands++
	t.SizeCommands += l.LoadSize(t)
}

// HdrSize returns the on-disk size of the file header for this
// architecture's bitness.
func (t *FileTOC) HdrSize() uint32 {
	switch t.Magic {
	case types.Magic32:
		return types.FileHeaderSize32
	case types.Magic64:
		return types.FileHeaderSize64
	default:
		panic(fmt.Sprintf("unexpected magic number %#x, expected a thin Mach-O header", uint32(t.Magic)))
	}
}

// LoadSize returns the size of all load commands, sections included,
// but not the bytes those sections or segments reference.
func (t *FileTOC) LoadSize() uint32 {
	var sz uint32
	for _, l := range t.Loads {
		sz += l.LoadSize(t)
	}
	return sz
}

// TOCSize is the header plus every load command: everything that
// precedes the first segment's file content.
func (t *FileTOC) TOCSize() uint32 {
	return t.HdrSize() + t.LoadSize()
}

// Put re-serializes the header and every load command (segments with
// their inline sections) into buffer, using t's byte order. Used by the
// rewriter to regenerate the load-command region in place after
// patching a segment's size/offset or the code-signature command.
func (t *FileTOC) Put(buffer []byte) int {
	next := t.FileHeader.Put(buffer, t.ByteOrder)
	for _, l := range t.Loads {
		if s, ok := l.(*Segment); ok {
			switch t.Magic {
			case types.Magic64:
				next += s.Put64(buffer[next:], t.ByteOrder)
				for i := uint32(0); i < s.Nsect; i++ {
					next += t.Sections[i+s.Firstsect].Put64(buffer[next:], t.ByteOrder)
				}
			case types.Magic32:
				next += s.Put32(buffer[next:], t.ByteOrder)
				for i := uint32(0); i < s.Nsect; i++ {
					next += t.Sections[i+s.Firstsect].Put32(buffer[next:], t.ByteOrder)
				}
			default:
				panic(fmt.Sprintf("unexpected magic number %#x", uint32(t.Magic)))
			}
		} else {
			next += l.Put(buffer[next:], t.ByteOrder)
		}
	}
	return next
}

// FormatError is returned when the input does not have the structure
// of a valid Mach-O object.
type FormatError struct {
	off int64
	msg string
	val interface{}
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

// Open opens the named file as a thin Mach-O object.
func Open(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	ff, err := NewFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f
	return ff, nil
}

// Close closes the underlying reader, if Open supplied one.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// NewFile parses a thin Mach-O object from r. Unlike blacktop/go-macho's
// NewFile, it does not interpret symbol tables, DWARF, fixups, export
// tries or objc/swift metadata: every load command other than
// LC_SEGMENT[_64] and LC_CODE_SIGNATURE is kept as opaque LoadCmdBytes,
// which is all a capability check, a rewrite or an inspection needs.
func NewFile(r io.ReaderAt) (*File, error) {
	f := new(File)
	f.sr = io.NewSectionReader(r, 0, 1<<63-1)
	f.cr = f.sr

	var ident [4]byte
	if _, err := r.ReadAt(ident[0:], 0); err != nil {
		return nil, fmt.Errorf("failed to read magic: %w", err)
	}
	be := binary.BigEndian.Uint32(ident[0:])
	le := binary.LittleEndian.Uint32(ident[0:])
	switch {
	case be == uint32(types.Magic32) || be == uint32(types.Magic64):
		f.ByteOrder = binary.BigEndian
		f.Magic = types.Magic(be)
	case le == uint32(types.Magic32) || le == uint32(types.Magic64):
		f.ByteOrder = binary.LittleEndian
		f.Magic = types.Magic(le)
	default:
		return nil, &FormatError{0, "invalid magic number (not a thin Mach-O)", nil}
	}

	if err := binary.Read(f.sr, f.ByteOrder, &f.FileHeader); err != nil {
		return nil, fmt.Errorf("failed to read file header: %w", err)
	}

	offset := int64(types.FileHeaderSize32)
	if f.Magic == types.Magic64 {
		offset = types.FileHeaderSize64
	}
	dat := make([]byte, f.SizeCommands)
	if _, err := r.ReadAt(dat, offset); err != nil {
		return nil, fmt.Errorf("failed to read load commands: %w", err)
	}

	f.Loads = make([]Load, f.NCommands)
	bo := f.ByteOrder
	for i := range f.Loads {
		if len(dat) < 8 {
			return nil, &FormatError{offset, "load command block too small", nil}
		}
		cmd, siz := types.LoadCmd(bo.Uint32(dat[0:4])), bo.Uint32(dat[4:8])
		if siz < 8 || siz > uint32(len(dat)) {
			return nil, &FormatError{offset, "invalid load command size", siz}
		}
		cmddat := dat[0:siz]
		dat = dat[siz:]

		switch cmd {
		case types.LC_SEGMENT:
			s, err := f.parseSegment32(cmddat, cmd, siz, bo)
			if err != nil {
				return nil, err
			}
			f.Loads[i] = s
		case types.LC_SEGMENT_64:
			s, err := f.parseSegment64(cmddat, cmd, siz, bo)
			if err != nil {
				return nil, err
			}
			f.Loads[i] = s
		case types.LC_CODE_SIGNATURE:
			var led types.LinkEditDataCmd
			if err := binary.Read(bytes.NewReader(cmddat), bo, &led); err != nil {
				return nil, fmt.Errorf("failed to read LC_CODE_SIGNATURE: %w", err)
			}
			f.Loads[i] = &CodeSignature{
				LoadBytes:        LoadBytes(cmddat),
				CodeSignatureCmd: types.CodeSignatureCmd(led),
				Offset:           led.Offset,
				Size:             led.Size,
			}
		default:
			f.Loads[i] = LoadCmdBytes{LoadCmd: cmd, LoadBytes: LoadBytes(cmddat)}
		}
		offset += int64(siz)
	}

	return f, nil
}

func (f *File) parseSegment32(cmddat []byte, cmd types.LoadCmd, siz uint32, bo binary.ByteOrder) (*Segment, error) {
	var seg32 types.Segment32
	if err := binary.Read(bytes.NewReader(cmddat), bo, &seg32); err != nil {
		return nil, fmt.Errorf("failed to read LC_SEGMENT: %w", err)
	}
	s := &Segment{ReaderAt: f.cr, sr: f.sr}
	s.LoadBytes = cmddat
	s.LoadCmd = cmd
	s.Len = siz
	s.Name = cstring(seg32.Name[0:])
	s.Addr, s.Memsz, s.Offset, s.Filesz = uint64(seg32.Addr), uint64(seg32.Memsz), uint64(seg32.Offset), uint64(seg32.Filesz)
	s.Maxprot, s.Prot, s.Nsect, s.Flag = seg32.Maxprot, seg32.Prot, seg32.Nsect, seg32.Flag
	s.Firstsect = uint32(len(f.Sections))

	b := bytes.NewReader(cmddat[binary.Size(seg32):])
	for i := 0; i < int(s.Nsect); i++ {
		var sh32 types.Section32
		if err := binary.Read(b, bo, &sh32); err != nil {
			return nil, fmt.Errorf("failed to read Section32: %w", err)
		}
		f.Sections = append(f.Sections, &Section{SectionHeader: SectionHeader{
			Name: cstring(sh32.Name[0:]), Seg: cstring(sh32.Seg[0:]),
			Addr: uint64(sh32.Addr), Size: uint64(sh32.Size), Offset: sh32.Offset,
			Align: sh32.Align, Flags: sh32.Flags, Type: 32,
		}, ReaderAt: f.cr})
	}
	return s, nil
}

func (f *File) parseSegment64(cmddat []byte, cmd types.LoadCmd, siz uint32, bo binary.ByteOrder) (*Segment, error) {
	var seg64 types.Segment64
	if err := binary.Read(bytes.NewReader(cmddat), bo, &seg64); err != nil {
		return nil, fmt.Errorf("failed to read LC_SEGMENT_64: %w", err)
	}
	s := &Segment{ReaderAt: f.cr, sr: f.sr}
	s.LoadBytes = cmddat
	s.LoadCmd = cmd
	s.Len = siz
	s.Name = cstring(seg64.Name[0:])
	s.Addr, s.Memsz, s.Offset, s.Filesz = seg64.Addr, seg64.Memsz, seg64.Offset, seg64.Filesz
	s.Maxprot, s.Prot, s.Nsect, s.Flag = seg64.Maxprot, seg64.Prot, seg64.Nsect, seg64.Flag
	s.Firstsect = uint32(len(f.Sections))

	b := bytes.NewReader(cmddat[binary.Size(seg64):])
	for i := 0; i < int(s.Nsect); i++ {
		var sh64 types.Section64
		if err := binary.Read(b, bo, &sh64); err != nil {
			return nil, fmt.Errorf("failed to read Section64: %w", err)
		}
		f.Sections = append(f.Sections, &Section{SectionHeader: SectionHeader{
			Name: cstring(sh64.Name[0:]), Seg: cstring(sh64.Seg[0:]),
			Addr: sh64.Addr, Size: sh64.Size, Offset: sh64.Offset,
			Align: sh64.Align, Flags: sh64.Flags, Type: 64,
		}, ReaderAt: f.cr})
	}
	return s, nil
}

func cstring(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		i = len(b)
	}
	return string(b[0:i])
}

// Segment returns the named segment, or nil if the file has none by
// that name (segment names are unique by Mach-O convention).
func (f *File) Segment(name string) *Segment {
	for _, l := range f.Loads {
		if s, ok := l.(*Segment); ok && s.Name == name {
			return s
		}
	}
	return nil
}

// Section returns the named section within the named segment.
func (f *File) Section(seg, name string) *Section {
	for _, s := range f.Sections {
		if s.Seg == seg && s.Name == name {
			return s
		}
	}
	return nil
}

// CodeSignatureCmd returns the file's LC_CODE_SIGNATURE load command,
// or nil if the binary carries none.
func (f *File) CodeSignatureCmd() *CodeSignature {
	for _, l := range f.Loads {
		if cs, ok := l.(*CodeSignature); ok {
			return cs
		}
	}
	return nil
}

// ParseCodeSignature reads and parses this file's LC_CODE_SIGNATURE
// payload, if it has one.
func (f *File) ParseCodeSignature() (*CodeSignature, error) {
	lc := f.CodeSignatureCmd()
	if lc == nil {
		return nil, fmt.Errorf("macho: binary has no LC_CODE_SIGNATURE load command")
	}
	raw := make([]byte, lc.Size)
	if _, err := f.cr.ReadAt(raw, int64(lc.Offset)); err != nil {
		return nil, fmt.Errorf("failed to read code signature data: %w", err)
	}
	parsed, err := codesign.ParseCodeSignature(raw)
	if err != nil {
		return nil, err
	}
	lc.CodeSignature = *parsed
	return lc, nil
}
