// Package machotest synthesizes minimal, byte-exact thin and fat
// Mach-O fixtures in memory, so the package tests across this module
// exercise real parsing and rewriting logic without checking in binary
// fixtures (see SPEC_FULL.md's ambient test-tooling section).
package machotest

import (
	"bytes"
	"encoding/binary"

	"github.com/appsworld/machosign/types"
)

// PageSize is the __TEXT segment size every builder helper uses.
const PageSize = 0x1000

// Thin is a synthesized single-architecture Mach-O: its raw bytes plus
// the offsets a test needs to make assertions about them.
type Thin struct {
	Data            []byte
	TextOffset      int64
	TextSize        int64
	LinkeditOffset  int64
	LinkeditSize    int64
	SignatureOffset int64 // absolute file offset of the LC_CODE_SIGNATURE payload
	SignatureSize   int64
}

// BuildThin lays out a 64-bit little-endian Mach-O with one __TEXT
// segment of PageSize bytes at file offset 0 (the header and load
// commands, then filler up to the page end, not real code), one
// __LINKEDIT segment immediately after it holding signature at its
// very start, and an LC_CODE_SIGNATURE command pointing at it. If
// signature is nil, the LC_CODE_SIGNATURE command is omitted entirely
// and __LINKEDIT is left empty, modeling an unsigned input.
func BuildThin(signature []byte) Thin {
	bo := binary.LittleEndian

	text := bytes.Repeat([]byte{0x90}, PageSize) // filler "code"
	textOffset := int64(0)

	linkeditOffset := textOffset + PageSize
	linkeditSize := int64(len(signature))

	nCommands := uint32(2)
	if signature != nil {
		nCommands = 3
	}

	var cmds bytes.Buffer
	writeSegment64(&cmds, bo, "__TEXT", uint64(textOffset), PageSize, uint64(textOffset), PageSize, 7, 5)
	writeSegment64(&cmds, bo, "__LINKEDIT", uint64(linkeditOffset), uint64(linkeditSize), uint64(linkeditOffset), uint64(linkeditSize), 1, 1)
	if signature != nil {
		writeLinkEditData(&cmds, bo, uint32(types.LC_CODE_SIGNATURE), uint32(linkeditOffset), uint32(len(signature)))
	}

	hdr := types.FileHeader{
		Magic:        types.Magic64,
		CPU:          types.CPUAmd64,
		Type:         2, // MH_EXECUTE
		NCommands:    nCommands,
		SizeCommands: uint32(cmds.Len()),
	}

	var out bytes.Buffer
	hdrBytes := make([]byte, types.FileHeaderSize64)
	hdr.Put(hdrBytes, bo)
	out.Write(hdrBytes)
	out.Write(cmds.Bytes())

	// pad up to textOffset (0 here, so this is a no-op). __TEXT starts
	// at file offset 0, so the header and load commands already written
	// occupy its first bytes; filler covers only the rest of the page,
	// which puts __LINKEDIT (and the signature) at linkeditOffset.
	for int64(out.Len()) < textOffset {
		out.WriteByte(0)
	}
	out.Write(text[int64(out.Len())-textOffset:])
	out.Write(signature)

	return Thin{
		Data:            out.Bytes(),
		TextOffset:      textOffset,
		TextSize:        PageSize,
		LinkeditOffset:  linkeditOffset,
		LinkeditSize:    linkeditSize,
		SignatureOffset: linkeditOffset,
		SignatureSize:   linkeditSize,
	}
}

func writeSegment64(buf *bytes.Buffer, bo binary.ByteOrder, name string, addr, memsz, offset, filesz uint64, maxprot, prot int32) {
	const segCmdSize = 72 // sizeof(segment_command_64): 4+4+16+8+8+8+8+4+4+4+4
	var nameField [16]byte
	copy(nameField[:], name)

	put32 := func(v uint32) { binary.Write(buf, bo, v) }
	put64 := func(v uint64) { binary.Write(buf, bo, v) }

	put32(uint32(types.LC_SEGMENT_64))
	put32(segCmdSize)
	buf.Write(nameField[:])
	put64(addr)
	put64(memsz)
	put64(offset)
	put64(filesz)
	put32(uint32(maxprot))
	put32(uint32(prot))
	put32(0) // nsect
	put32(0) // flags
}

func writeLinkEditData(buf *bytes.Buffer, bo binary.ByteOrder, cmd, offset, size uint32) {
	binary.Write(buf, bo, cmd)
	binary.Write(buf, bo, uint32(16))
	binary.Write(buf, bo, offset)
	binary.Write(buf, bo, size)
}

// Fat is a synthesized universal Mach-O: its raw bytes plus the byte
// range each slice occupies within them.
type Fat struct {
	Data   []byte
	Slices []FatSlice
}

type FatSlice struct {
	CPU            types.CPU
	Offset         int64
	Size           int64
	SignatureStart int64 // absolute, within Data
}

// SliceSpec describes one fat-binary slice to synthesize.
type SliceSpec struct {
	CPU       types.CPU
	Signature []byte
}

// BuildFat assembles one Thin slice per cpu/signature pair into a
// 32-bit fat container, 4 KiB-aligning every slice the same way
// pkg/signer's fat assembler does.
func BuildFat(slices []SliceSpec) Fat {
	bo := binary.BigEndian
	const align = 12

	thins := make([]Thin, len(slices))
	for i, s := range slices {
		thins[i] = BuildThin(s.Signature)
	}

	headerLen := int64(types.FatHeaderSize) + int64(len(slices))*int64(types.FatArchSize)
	pos := alignUp(headerLen, 1<<align)

	offsets := make([]int64, len(slices))
	for i, t := range thins {
		offsets[i] = pos
		pos = alignUp(pos+int64(len(t.Data)), 1<<align)
	}

	var out bytes.Buffer
	binary.Write(&out, bo, types.FatHeader{Magic: types.FatMagic, NArch: uint32(len(slices))})
	for i, s := range slices {
		binary.Write(&out, bo, types.FatArch{CPU: s.CPU, SubCPU: 0, Offset: uint32(offsets[i]), Size: uint32(len(thins[i].Data)), Align: align})
	}
	for i, t := range thins {
		for int64(out.Len()) < offsets[i] {
			out.WriteByte(0)
		}
		out.Write(t.Data)
	}
	for int64(out.Len()) < pos {
		out.WriteByte(0)
	}

	fat := Fat{Data: out.Bytes()}
	for i, s := range slices {
		fat.Slices = append(fat.Slices, FatSlice{
			CPU:            s.CPU,
			Offset:         offsets[i],
			Size:           int64(len(thins[i].Data)),
			SignatureStart: offsets[i] + thins[i].SignatureOffset,
		})
	}
	return fat
}

func alignUp(n, align int64) int64 {
	if r := n % align; r != 0 {
		return n + (align - r)
	}
	return n
}
