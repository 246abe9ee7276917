package isobmff

import (
	"bytes"
	"testing"

	"github.com/vellumav/demuxcore/input"
)

func buildBox(typ BoxType, body []byte) []byte {
	size := 8 + len(body)
	buf := make([]byte, 4)
	buf[0] = byte(size >> 24)
	buf[1] = byte(size >> 16)
	buf[2] = byte(size >> 8)
	buf[3] = byte(size)
	buf = append(buf, typ[:]...)
	return append(buf, body...)
}

func buildFullBox(typ BoxType, version byte, flags uint32, body []byte) []byte {
	head := []byte{version, byte(flags >> 16), byte(flags >> 8), byte(flags)}
	return buildBox(typ, append(head, body...))
}

func TestReadBoxSimple(t *testing.T) {
	raw := buildBox(TypeFtyp, []byte("isom"))
	src := input.FromReader(bytes.NewReader(raw))

	b, err := ReadBox(src)
	if err != nil {
		t.Fatal(err)
	}
	if b.Type != TypeFtyp {
		t.Errorf("Type = %v, want ftyp", b.Type)
	}
	if string(b.Body) != "isom" {
		t.Errorf("Body = %q, want isom", b.Body)
	}
}

func TestReadBoxFullBoxVersionFlags(t *testing.T) {
	raw := buildFullBox(TypeMvhd, 1, 0x000001, []byte{0xAA, 0xBB})
	src := input.FromReader(bytes.NewReader(raw))

	b, err := ReadBox(src)
	if err != nil {
		t.Fatal(err)
	}
	if b.Version != 1 {
		t.Errorf("Version = %d, want 1", b.Version)
	}
	if b.Flags != 1 {
		t.Errorf("Flags = %d, want 1", b.Flags)
	}
	if !bytes.Equal(b.Body, []byte{0xAA, 0xBB}) {
		t.Errorf("Body = %v, want [AA BB]", b.Body)
	}
}

func TestBoxChildrenAndFind(t *testing.T) {
	child1 := buildBox(TypeMvhd, []byte{0x01})
	child2 := buildBox(TypeTrak, []byte{0x02})
	var body []byte
	body = append(body, child1...)
	body = append(body, child2...)

	raw := buildBox(TypeMoov, body)
	src := input.FromReader(bytes.NewReader(raw))
	moov, err := ReadBox(src)
	if err != nil {
		t.Fatal(err)
	}

	children, err := moov.Children()
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 {
		t.Fatalf("got %d children, want 2", len(children))
	}

	trak := moov.Find(TypeTrak)
	if trak == nil || !bytes.Equal(trak.Body, []byte{0x02}) {
		t.Errorf("Find(trak) = %+v", trak)
	}
}

func TestProbeDetectsFtyp(t *testing.T) {
	raw := buildBox(TypeFtyp, []byte("isom\x00\x00\x02\x00isomiso2avc1mp41"))
	src := input.FromReader(bytes.NewReader(raw))
	if !Probe(src) {
		t.Error("expected Probe to detect ftyp box")
	}
}

func TestProbeRejectsGarbage(t *testing.T) {
	src := input.FromReader(bytes.NewReader([]byte("not an mp4 file at all")))
	if Probe(src) {
		t.Error("expected Probe to reject non-ISOBMFF data")
	}
}
