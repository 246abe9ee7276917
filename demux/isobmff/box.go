// Package isobmff demuxes ISO Base Media File Format containers (MP4,
// QuickTime MOV, fragmented MP4/CMAF): the moov/trak/mdia/minf/stbl box
// tree for progressive files, and moof/traf/trun for fragments.
package isobmff

import (
	"fmt"
	"io"

	"github.com/vellumav/demuxcore/input"
)

// BoxType is a 4-byte box type identifier.
type BoxType [4]byte

func (t BoxType) String() string { return string(t[:]) }

// Movie structure boxes.
var (
	TypeFtyp = BoxType{'f', 't', 'y', 'p'}
	TypeStyp = BoxType{'s', 't', 'y', 'p'}
	TypeMoov = BoxType{'m', 'o', 'o', 'v'}
	TypeMvhd = BoxType{'m', 'v', 'h', 'd'}
	TypeTrak = BoxType{'t', 'r', 'a', 'k'}
	TypeTkhd = BoxType{'t', 'k', 'h', 'd'}
	TypeEdts = BoxType{'e', 'd', 't', 's'}
	TypeElst = BoxType{'e', 'l', 's', 't'}
	TypeMdia = BoxType{'m', 'd', 'i', 'a'}
	TypeMdhd = BoxType{'m', 'd', 'h', 'd'}
	TypeHdlr = BoxType{'h', 'd', 'l', 'r'}
	TypeMinf = BoxType{'m', 'i', 'n', 'f'}
	TypeVmhd = BoxType{'v', 'm', 'h', 'd'}
	TypeSmhd = BoxType{'s', 'm', 'h', 'd'}
	TypeDinf = BoxType{'d', 'i', 'n', 'f'}
	TypeDref = BoxType{'d', 'r', 'e', 'f'}
)

// Sample table boxes (stbl children).
var (
	TypeStbl = BoxType{'s', 't', 'b', 'l'}
	TypeStsd = BoxType{'s', 't', 's', 'd'}
	TypeStts = BoxType{'s', 't', 't', 's'}
	TypeCtts = BoxType{'c', 't', 't', 's'}
	TypeStsc = BoxType{'s', 't', 's', 'c'}
	TypeStsz = BoxType{'s', 't', 's', 'z'}
	TypeStco = BoxType{'s', 't', 'c', 'o'}
	TypeCo64 = BoxType{'c', 'o', '6', '4'}
	TypeStss = BoxType{'s', 't', 's', 's'}
)

// Fragment boxes (moof and children, mvex).
var (
	TypeMvex = BoxType{'m', 'v', 'e', 'x'}
	TypeTrex = BoxType{'t', 'r', 'e', 'x'}
	TypeMoof = BoxType{'m', 'o', 'o', 'f'}
	TypeMfhd = BoxType{'m', 'f', 'h', 'd'}
	TypeTraf = BoxType{'t', 'r', 'a', 'f'}
	TypeTfhd = BoxType{'t', 'f', 'h', 'd'}
	TypeTfdt = BoxType{'t', 'f', 'd', 't'}
	TypeTrun = BoxType{'t', 'r', 'u', 'n'}
	TypeSidx = BoxType{'s', 'i', 'd', 'x'}
)

// Metadata and data boxes.
var (
	TypeMeta = BoxType{'m', 'e', 't', 'a'}
	TypeUdta = BoxType{'u', 'd', 't', 'a'}
	TypeMdat = BoxType{'m', 'd', 'a', 't'}
	TypeFree = BoxType{'f', 'r', 'e', 'e'}
	TypeSkip = BoxType{'s', 'k', 'i', 'p'}
)

// Sample entry boxes (children of stsd).
var (
	TypeAvc1 = BoxType{'a', 'v', 'c', '1'}
	TypeAvcC = BoxType{'a', 'v', 'c', 'C'}
	TypeHev1 = BoxType{'h', 'e', 'v', '1'}
	TypeHvcC = BoxType{'h', 'v', 'c', 'C'}
	TypeMp4a = BoxType{'m', 'p', '4', 'a'}
	TypeEsds = BoxType{'e', 's', 'd', 's'}
)

// isContainerBox reports whether t holds child boxes rather than leaf data.
func isContainerBox(t BoxType) bool {
	switch t {
	case TypeMoov, TypeTrak, TypeEdts, TypeMdia,
		TypeMinf, TypeDinf, TypeStbl, TypeUdta,
		TypeMeta, TypeMvex, TypeMoof, TypeTraf:
		return true
	}
	return false
}

// isFullBox reports whether t has a 4-byte version+flags field before its
// body, per ISO/IEC 14496-12 FullBox.
func isFullBox(t BoxType) bool {
	switch t {
	case TypeMvhd, TypeTkhd, TypeMdhd, TypeHdlr,
		TypeVmhd, TypeSmhd, TypeDref, TypeStsd,
		TypeStts, TypeCtts, TypeStsc, TypeStsz,
		TypeStco, TypeCo64, TypeStss, TypeElst,
		TypeMfhd, TypeTfhd, TypeTfdt, TypeTrun,
		TypeSidx, TypeTrex:
		return true
	}
	return false
}

// Box is one parsed box header plus its body, still unparsed (Body is the
// raw bytes following the header, and after version+flags for a FullBox).
type Box struct {
	Type    BoxType
	Size    int64 // total box size including header, 0 means "to EOF"
	Offset  int64 // absolute file offset of the box header
	Version byte
	Flags   uint32
	Body    []byte
}

const (
	boxHeaderSize     = 8
	boxLargeSizeExtra = 8
)

// readBoxHeader reads one box's size+type (and extended size if size==1)
// starting at the source's current position, returning the header fields
// and the body length still to be read.
func readBoxHeader(src input.Source) (BoxType, int64, int64, error) {
	hdr := make([]byte, boxHeaderSize)
	if _, err := io.ReadFull(src, hdr); err != nil {
		return BoxType{}, 0, 0, err
	}
	size := int64(be32(hdr[0:4]))
	var typ BoxType
	copy(typ[:], hdr[4:8])
	headerLen := int64(boxHeaderSize)

	if size == 1 {
		ext := make([]byte, boxLargeSizeExtra)
		if _, err := io.ReadFull(src, ext); err != nil {
			return BoxType{}, 0, 0, err
		}
		size = int64(be64(ext))
		headerLen += boxLargeSizeExtra
	}

	var bodyLen int64
	if size == 0 {
		bodyLen = -1 // extends to EOF, caller must read until error
	} else {
		bodyLen = size - headerLen
		if bodyLen < 0 {
			return BoxType{}, 0, 0, fmt.Errorf("isobmff: box %q has size %d smaller than header", typ, size)
		}
	}
	return typ, size, bodyLen, nil
}

// ReadBox reads one complete box (header + body) at the source's current
// position. Container boxes still get their full body buffered; callers
// walk their children with ReadChildren.
func ReadBox(src input.Source) (*Box, error) {
	offset, _ := src.Seek(0, io.SeekCurrent)
	typ, size, bodyLen, err := readBoxHeader(src)
	if err != nil {
		return nil, err
	}

	if bodyLen < 0 {
		body, err := io.ReadAll(src)
		if err != nil {
			return nil, err
		}
		return &Box{Type: typ, Size: int64(len(body)) + boxHeaderSize, Offset: offset, Body: body}, nil
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(src, body); err != nil {
		return nil, fmt.Errorf("isobmff: reading box %q body: %w", typ, err)
	}

	b := &Box{Type: typ, Size: size, Offset: offset, Body: body}
	if isFullBox(typ) && len(body) >= 4 {
		b.Version = body[0]
		b.Flags = be24(body[1:4])
		b.Body = body[4:]
	}
	return b, nil
}

// Children parses b's body as a sequence of child boxes. Only valid when
// b.Type isContainerBox, but callers (e.g. stsd, which is a FullBox AND a
// container) may call it explicitly regardless.
func (b *Box) Children() ([]*Box, error) {
	var out []*Box
	body := b.Body
	for len(body) > 0 {
		if len(body) < boxHeaderSize {
			break
		}
		size := int64(be32(body[0:4]))
		var typ BoxType
		copy(typ[:], body[4:8])
		headerLen := int64(boxHeaderSize)
		if size == 1 {
			if len(body) < int(headerLen)+boxLargeSizeExtra {
				break
			}
			size = int64(be64(body[headerLen : headerLen+boxLargeSizeExtra]))
			headerLen += boxLargeSizeExtra
		}
		if size == 0 || size > int64(len(body)) {
			size = int64(len(body))
		}

		child := &Box{Type: typ, Size: size}
		bodyStart := headerLen
		bodyEnd := size
		if bodyStart > bodyEnd {
			bodyStart = bodyEnd
		}
		childBody := body[bodyStart:bodyEnd]
		if isFullBox(typ) && len(childBody) >= 4 {
			child.Version = childBody[0]
			child.Flags = be24(childBody[1:4])
			child.Body = childBody[4:]
		} else {
			child.Body = childBody
		}
		out = append(out, child)

		body = body[size:]
	}
	return out, nil
}

// Find returns the first direct child of the given type, or nil.
func (b *Box) Find(t BoxType) *Box {
	children, _ := b.Children()
	for _, c := range children {
		if c.Type == t {
			return c
		}
	}
	return nil
}

// FindAll returns every direct child of the given type.
func (b *Box) FindAll(t BoxType) []*Box {
	children, _ := b.Children()
	var out []*Box
	for _, c := range children {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func be24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func be64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
