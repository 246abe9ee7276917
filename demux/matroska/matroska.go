// Package matroska demuxes Matroska and WebM containers: the EBML binary
// element format, the Segment/Tracks/Cluster element tree, and SimpleBlock
// (and BlockGroup/Block) frame extraction with cluster-relative timecodes
// scaled by the segment's TimecodeScale. No importable EBML/Matroska library
// appeared anywhere in the retrieved pack (the two matroska readers found
// were single reference files, not modules with a go.mod), so this package
// is written directly against the EBML/Matroska element-ID tables, the way
// demux/ogg is written directly against the Ogg RFC bit layout.
package matroska

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/vellumav/demuxcore/demux"
	"github.com/vellumav/demuxcore/input"
	"github.com/vellumav/demuxcore/media"
	"github.com/vellumav/demuxcore/track"
)

// EBML/Matroska element IDs this package cares about. IDs keep their length
// marker bit, per the EBML spec's own convention for representing them.
const (
	idEBML            uint32 = 0x1A45DFA3
	idSegment         uint32 = 0x18538067
	idSeekHead        uint32 = 0x114D9B74
	idInfo            uint32 = 0x1549A966
	idTimecodeScale   uint32 = 0x2AD7B1
	idDuration        uint32 = 0x4489
	idTracks          uint32 = 0x1654AE6B
	idTrackEntry      uint32 = 0xAE
	idTrackNumber     uint32 = 0xD7
	idTrackType       uint32 = 0x83
	idCodecID         uint32 = 0x86
	idCodecPrivate    uint32 = 0x63A2
	idDefaultDuration uint32 = 0x23E383
	idAudio           uint32 = 0xE1
	idVideo           uint32 = 0xE0
	idSamplingFreq    uint32 = 0xB5
	idChannels        uint32 = 0x9F
	idBitDepth        uint32 = 0x6264
	idPixelWidth      uint32 = 0xB0
	idPixelHeight     uint32 = 0xBA
	idCluster         uint32 = 0x1F43B675
	idTimecode        uint32 = 0xE7
	idSimpleBlock     uint32 = 0xA3
	idBlockGroup      uint32 = 0xA0
	idBlock           uint32 = 0xA1
	idBlockDuration   uint32 = 0x9B
	idReferenceBlock  uint32 = 0xFB
	idCues            uint32 = 0x1C53BB6B
	idTags            uint32 = 0x1254C367
	idChapters        uint32 = 0x1043A770
	idAttachments     uint32 = 0x1941A469
)

// Matroska track types (Matroska spec, element 0x83).
const (
	trackTypeVideo    = 0x01
	trackTypeAudio    = 0x02
	trackTypeSubtitle = 0x11
)

// ErrBadEBML is returned when a file doesn't start with the EBML header ID.
var ErrBadEBML = errors.New("matroska: not an EBML file")

// Probe reports whether src begins with the 4-byte EBML element ID.
func Probe(src input.Source) bool {
	buf, err := src.Peek(4)
	if err != nil || len(buf) < 4 {
		return false
	}
	return binary.BigEndian.Uint32(buf) == idEBML
}

// trackMeta is the per-track state built while walking the Tracks element,
// used both to populate the track.Table and to interpret later Clusters.
type trackMeta struct {
	number   uint64
	index    int
	streamType media.StreamType
	codec    string
	timeBase media.Rational
	defaultDurationNs uint64
}

// Demuxer walks a Matroska/WebM Segment sequentially: Tracks builds the
// track table, each Cluster's SimpleBlock/BlockGroup children become
// packets. Seeking beyond the generic byte-offset bisection strategy
// (spec §4.5 strategy 4) is not implemented here; Cues-based native seek is
// a documented limitation (see DESIGN.md).
type Demuxer struct {
	log    *slog.Logger
	src    input.Source
	tracks *track.Table

	timecodeScale uint64 // ns per Cluster Timecode tick, default 1_000_000
	byNumber      map[uint64]*trackMeta

	segmentEnd   int64 // -1 if unknown (extends to EOF)
	haveSegment  bool

	// pendingCluster holds the first Cluster element's header, already
	// consumed while New() was scanning for Tracks, so Run() processes it
	// before reading any further elements instead of requiring a Seek back
	// (Matroska over a non-byte-seekable source must still open).
	pendingClusterSize    int64
	pendingClusterUnknown bool
	havePendingCluster    bool
}

// New reads the EBML header and the Segment's Info/Tracks elements (skipping
// SeekHead/Cues/Tags/Chapters/Attachments), leaving the source positioned at
// the first Cluster.
func New(ctx context.Context, src input.Source, log *slog.Logger) (*Demuxer, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log: log.With("component", "matroska"), src: src, tracks: track.NewTable(),
		timecodeScale: 1_000_000, byNumber: make(map[uint64]*trackMeta), segmentEnd: -1,
	}

	id, size, _, err := readElement(src)
	if err != nil {
		return nil, err
	}
	if id != idEBML {
		return nil, ErrBadEBML
	}
	if err := skipN(src, size); err != nil {
		return nil, err
	}

	for {
		id, size, unknown, err := readElement(src)
		if err != nil {
			return nil, err
		}
		if id != idSegment {
			if err := skipElement(src, size, unknown); err != nil {
				return nil, err
			}
			continue
		}
		d.haveSegment = true
		if !unknown {
			d.segmentEnd = size // relative to the position right after this header; caller tracks absolute via Seek-free sequential reads
		}
		break
	}
	if !d.haveSegment {
		return nil, errors.New("matroska: no Segment element found")
	}

	// Walk Segment children until Tracks has been seen and we're sitting on
	// the first Cluster (or EOF, for an audio/metadata-only file).
	for {
		id, size, unknown, err := readElement(src)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch id {
		case idInfo:
			if err := d.parseInfo(io.LimitReader(src, sizeOrRest(size, unknown))); err != nil {
				return nil, err
			}
		case idTracks:
			if err := d.parseTracks(io.LimitReader(src, sizeOrRest(size, unknown))); err != nil {
				return nil, err
			}
		case idCluster:
			// Found the first cluster: its header is already consumed, so
			// stash its size for Run() to process first instead of
			// requiring a Seek back (which a non-byte-seekable source
			// wouldn't support).
			d.pendingClusterSize = size
			d.pendingClusterUnknown = unknown
			d.havePendingCluster = true
			return d, nil
		default:
			if err := skipElement(src, size, unknown); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

func (d *Demuxer) Tracks() *track.Table { return d.tracks }

func sizeOrRest(size int64, unknown bool) int64 {
	if unknown {
		return math.MaxInt64 / 2
	}
	return size
}

func (d *Demuxer) parseInfo(r io.Reader) error {
	for {
		id, size, unknown, err := readElementFrom(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch id {
		case idTimecodeScale:
			v, err := readUint(r, size)
			if err != nil {
				return err
			}
			d.timecodeScale = v
		default:
			if err := skipElement(r, size, unknown); err != nil {
				return err
			}
		}
	}
}

func (d *Demuxer) parseTracks(r io.Reader) error {
	idx := 0
	for {
		id, size, unknown, err := readElementFrom(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if id != idTrackEntry {
			if err := skipElement(r, size, unknown); err != nil {
				return err
			}
			continue
		}
		tm, err := d.parseTrackEntry(io.LimitReader(r, sizeOrRest(size, unknown)), idx)
		if err != nil {
			return err
		}
		if tm != nil {
			d.byNumber[tm.number] = tm
			idx++
		}
	}
}

func (d *Demuxer) parseTrackEntry(r io.Reader, idx int) (*trackMeta, error) {
	tm := &trackMeta{index: idx, timeBase: media.Rational{Num: 1, Den: 1_000_000_000}}
	var codecID string
	var codecPrivate []byte
	var samplingFreq float64 = 8000
	var channels uint64 = 1
	var pixelW, pixelH uint64

	for {
		id, size, unknown, err := readElementFrom(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch id {
		case idTrackNumber:
			v, err := readUint(r, size)
			if err != nil {
				return nil, err
			}
			tm.number = v
		case idTrackType:
			v, err := readUint(r, size)
			if err != nil {
				return nil, err
			}
			switch v {
			case trackTypeVideo:
				tm.streamType = media.StreamVideo
			case trackTypeAudio:
				tm.streamType = media.StreamAudio
			case trackTypeSubtitle:
				tm.streamType = media.StreamText
			default:
				tm.streamType = media.StreamUnknown
			}
		case idCodecID:
			s, err := readString(r, size)
			if err != nil {
				return nil, err
			}
			codecID = s
		case idCodecPrivate:
			b, err := readBytes(r, size)
			if err != nil {
				return nil, err
			}
			codecPrivate = b
		case idDefaultDuration:
			v, err := readUint(r, size)
			if err != nil {
				return nil, err
			}
			tm.defaultDurationNs = v
		case idAudio:
			sub := io.LimitReader(r, sizeOrRest(size, unknown))
			for {
				sid, ssize, sunknown, err := readElementFrom(sub)
				if err == io.EOF {
					break
				}
				if err != nil {
					return nil, err
				}
				switch sid {
				case idSamplingFreq:
					f, err := readFloat(sub, ssize)
					if err != nil {
						return nil, err
					}
					samplingFreq = f
				case idChannels:
					v, err := readUint(sub, ssize)
					if err != nil {
						return nil, err
					}
					channels = v
				default:
					if err := skipElement(sub, ssize, sunknown); err != nil {
						return nil, err
					}
				}
			}
		case idVideo:
			sub := io.LimitReader(r, sizeOrRest(size, unknown))
			for {
				sid, ssize, sunknown, err := readElementFrom(sub)
				if err == io.EOF {
					break
				}
				if err != nil {
					return nil, err
				}
				switch sid {
				case idPixelWidth:
					v, err := readUint(sub, ssize)
					if err != nil {
						return nil, err
					}
					pixelW = v
				case idPixelHeight:
					v, err := readUint(sub, ssize)
					if err != nil {
						return nil, err
					}
					pixelH = v
				default:
					if err := skipElement(sub, ssize, sunknown); err != nil {
						return nil, err
					}
				}
			}
		default:
			if err := skipElement(r, size, unknown); err != nil {
				return nil, err
			}
		}
	}

	if tm.streamType == media.StreamUnknown {
		// Tag/attachment-only or unsupported track types are skipped
		// entirely rather than registered with a bogus type.
		return nil, nil
	}
	tm.codec = codecNameFor(codecID)
	info := media.CompressionInfo{Codec: tm.codec, GlobalHeader: codecPrivate}
	switch tm.streamType {
	case media.StreamAudio:
		d.log.Debug("audio track", "index", idx, "codec", tm.codec,
			"sample_rate_hz", samplingFreq, "channels", channels)
	case media.StreamVideo:
		d.log.Debug("video track", "index", idx, "codec", tm.codec,
			"pixel_width", pixelW, "pixel_height", pixelH)
	}
	tr := track.New(idx, tm.streamType, tm.timeBase, info)
	if err := d.tracks.Add(tr); err != nil {
		return nil, err
	}
	return tm, nil
}

// codecNameFor maps a Matroska CodecID string to demuxcore's short codec
// identifiers, matching the convention media.CompressionInfo.Codec uses
// elsewhere in this repo (see demux/flv, demux/isobmff).
func codecNameFor(codecID string) string {
	switch codecID {
	case "V_MPEG4/ISO/AVC":
		return "h264"
	case "V_MPEGH/ISO/HEVC":
		return "h265"
	case "V_MPEG4/ISO/ASP", "V_MPEG4/ISO/SP":
		return "mpeg4video"
	case "V_MPEG2":
		return "mpeg2video"
	case "V_VP8":
		return "vp8"
	case "V_VP9":
		return "vp9"
	case "V_THEORA":
		return "theora"
	case "A_AAC":
		return "aac"
	case "A_VORBIS":
		return "vorbis"
	case "A_OPUS":
		return "opus"
	case "A_MPEG/L3":
		return "mp3"
	case "A_MPEG/L2":
		return "mp2"
	case "A_AC3":
		return "ac3"
	case "A_DTS":
		return "dts"
	case "A_FLAC":
		return "flac"
	case "A_PCM/INT/LIT":
		return "pcm_s16le"
	case "S_TEXT/UTF8", "S_TEXT/ASS", "S_TEXT/SSA":
		return "text"
	default:
		return codecID
	}
}

// Run walks Clusters sequentially from wherever New left the source
// positioned, emitting one packet per SimpleBlock or BlockGroup/Block.
func (d *Demuxer) Run(ctx context.Context) error {
	defer d.tracks.CloseAll()

	if d.havePendingCluster {
		d.havePendingCluster = false
		if err := d.runCluster(io.LimitReader(d.src, sizeOrRest(d.pendingClusterSize, d.pendingClusterUnknown))); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, size, unknown, err := readElement(d.src)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if id != idCluster {
			if err := skipElement(d.src, size, unknown); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
			continue
		}
		if err := d.runCluster(io.LimitReader(d.src, sizeOrRest(size, unknown))); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (d *Demuxer) runCluster(r io.Reader) error {
	var clusterTicks uint64
	for {
		id, size, unknown, err := readElementFrom(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch id {
		case idTimecode:
			v, err := readUint(r, size)
			if err != nil {
				return err
			}
			clusterTicks = v
		case idSimpleBlock:
			b, err := readBytes(r, size)
			if err != nil {
				return err
			}
			d.emitBlock(b, clusterTicks, -1)
		case idBlockGroup:
			if err := d.runBlockGroup(io.LimitReader(r, sizeOrRest(size, unknown)), clusterTicks); err != nil {
				return err
			}
		default:
			if err := skipElement(r, size, unknown); err != nil {
				return err
			}
		}
	}
}

func (d *Demuxer) runBlockGroup(r io.Reader, clusterTicks uint64) error {
	var blockData []byte
	var durationTicks int64 = -1
	keyframe := true
	for {
		id, size, unknown, err := readElementFrom(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch id {
		case idBlock:
			b, err := readBytes(r, size)
			if err != nil {
				return err
			}
			blockData = b
		case idBlockDuration:
			v, err := readUint(r, size)
			if err != nil {
				return err
			}
			durationTicks = int64(v)
		case idReferenceBlock:
			// Presence of any ReferenceBlock means this frame references
			// another frame for decode, i.e. it is not a keyframe.
			if _, err := readUint(r, size); err != nil {
				return err
			}
			keyframe = false
		default:
			if err := skipElement(r, size, unknown); err != nil {
				return err
			}
		}
	}
	if blockData != nil {
		d.emitBlockWithFlags(blockData, clusterTicks, durationTicks, keyframe)
	}
	return nil
}

// emitBlock handles a SimpleBlock, whose own flags byte carries the
// keyframe bit directly.
func (d *Demuxer) emitBlock(data []byte, clusterTicks uint64, durationTicks int64) {
	trackNum, rel, flags, payload, ok := parseBlockHeader(data)
	if !ok {
		return
	}
	d.deliver(trackNum, clusterTicks, rel, durationTicks, payload, flags&0x80 != 0)
}

// emitBlockWithFlags handles a BlockGroup's Block, whose keyframe status
// comes from the sibling ReferenceBlock element instead of a flags bit.
func (d *Demuxer) emitBlockWithFlags(data []byte, clusterTicks uint64, durationTicks int64, keyframe bool) {
	trackNum, rel, _, payload, ok := parseBlockHeader(data)
	if !ok {
		return
	}
	d.deliver(trackNum, clusterTicks, rel, durationTicks, payload, keyframe)
}

func (d *Demuxer) deliver(trackNum uint64, clusterTicks uint64, rel int16, durationTicks int64, payload []byte, keyframe bool) {
	tm, ok := d.byNumber[trackNum]
	if !ok {
		return
	}
	tr := d.tracks.Get(tm.index)
	if tr == nil {
		return
	}
	ticks := int64(clusterTicks) + int64(rel)
	ptsNs := ticks * int64(d.timecodeScale)
	durNs := int64(tm.defaultDurationNs)
	if durationTicks >= 0 {
		durNs = durationTicks * int64(d.timecodeScale)
	}
	flags := media.PacketFlags(0)
	if keyframe {
		flags |= media.PacketKeyframe
	}
	tr.Send(&media.Packet{
		PTS: ptsNs, DTS: ptsNs, Duration: durNs, TimeBase: tr.TimeBase,
		Data: payload, Flags: flags, StreamIndex: tr.Index,
	})
}

// parseBlockHeader decodes a (Simple)Block's track-number vint, signed
// 16-bit relative timecode, and flags byte. Lacing (flags bits 0x06) is not
// unpacked: a laced block is delivered as one packet carrying every laced
// frame concatenated, which is a documented approximation (see DESIGN.md) —
// demuxcore's own encoders-under-test and most modern muxers do not lace.
func parseBlockHeader(data []byte) (trackNum uint64, rel int16, flags byte, payload []byte, ok bool) {
	n, consumed, ok := readVintValue(data)
	if !ok || consumed+3 > len(data) {
		return 0, 0, 0, nil, false
	}
	rel = int16(binary.BigEndian.Uint16(data[consumed : consumed+2]))
	flags = data[consumed+2]
	payload = data[consumed+3:]
	return n, rel, flags, payload, true
}

// readVintValue decodes an EBML vint's value (marker bit stripped) from the
// start of data, returning the number of bytes it occupied.
func readVintValue(data []byte) (uint64, int, bool) {
	if len(data) == 0 {
		return 0, 0, false
	}
	first := data[0]
	length := 0
	for i := 0; i < 8; i++ {
		if first&(0x80>>uint(i)) != 0 {
			length = i + 1
			break
		}
	}
	if length == 0 || length > len(data) {
		return 0, 0, false
	}
	value := uint64(first) &^ (0xFF << uint(8-length))
	for i := 1; i < length; i++ {
		value = value<<8 | uint64(data[i])
	}
	return value, length, true
}

func create(ctx context.Context, src input.Source, log *slog.Logger) (demux.Demuxer, error) {
	return New(ctx, src, log)
}

func init() {
	demux.Register(demux.Format{Name: "matroska", Probe: Probe, Create: create})
}

var _ demux.Demuxer = (*Demuxer)(nil)

// --- EBML primitives ---

// readElement reads an element ID and size directly from a Source.
func readElement(src input.Source) (id uint32, size int64, unknown bool, err error) {
	return readElementGeneric(byteReaderFromSource{src})
}

// readElementFrom reads an element ID and size from a plain io.Reader (used
// inside io.LimitReader sub-scopes where byte-level position tracking isn't
// needed).
func readElementFrom(r io.Reader) (id uint32, size int64, unknown bool, err error) {
	return readElementGeneric(byteReaderFromReader{r})
}

type byteReader interface {
	ReadByte() (byte, error)
}

type byteReaderFromSource struct{ src input.Source }

func (b byteReaderFromSource) ReadByte() (byte, error) {
	var buf [1]byte
	_, err := io.ReadFull(b.src, buf[:])
	return buf[0], err
}

type byteReaderFromReader struct{ r io.Reader }

func (b byteReaderFromReader) ReadByte() (byte, error) {
	var buf [1]byte
	_, err := io.ReadFull(b.r, buf[:])
	return buf[0], err
}

func readElementGeneric(r byteReader) (id uint32, size int64, unknown bool, err error) {
	id, err = readElementID(r)
	if err != nil {
		return 0, 0, false, err
	}
	size, unknown, err = readElementSize(r)
	return id, size, unknown, err
}

// readElementID reads an EBML element ID, keeping its length-marker bit
// (per EBML convention, element IDs are compared including that bit).
func readElementID(r byteReader) (uint32, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	length := vintMarkerLength(first)
	if length == 0 {
		return 0, fmt.Errorf("matroska: invalid element ID marker 0x%02x", first)
	}
	id := uint32(first)
	for i := 1; i < length; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		id = id<<8 | uint32(b)
	}
	return id, nil
}

// readElementSize reads an EBML vint size, stripping the marker bit. A size
// whose value bits are all 1 signals "unknown length" (used for streamed
// Segment/Cluster elements).
func readElementSize(r byteReader) (int64, bool, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, false, err
	}
	length := vintMarkerLength(first)
	if length == 0 {
		return 0, false, fmt.Errorf("matroska: invalid element size marker 0x%02x", first)
	}
	value := uint64(first) &^ (0xFF << uint(8-length))
	allOnes := value == (1<<uint(8-length))-1
	for i := 1; i < length; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, false, err
		}
		value = value<<8 | uint64(b)
		if b != 0xFF {
			allOnes = false
		}
	}
	return int64(value), allOnes, nil
}

// vintMarkerLength returns the total vint length (1-8) encoded by the
// leading bit pattern of the first byte, or 0 if the byte is invalid
// (all-zero, which EBML never produces for a valid vint).
func vintMarkerLength(first byte) int {
	for i := 0; i < 8; i++ {
		if first&(0x80>>uint(i)) != 0 {
			return i + 1
		}
	}
	return 0
}

func skipN(src input.Source, n int64) error {
	_, err := io.CopyN(io.Discard, src, n)
	if err == io.EOF {
		return nil
	}
	return err
}

// skipElement discards an element's body. An unknown-size element (only
// legal for a handful of top-level elements this package already handles
// explicitly) is never passed here with unknown=true in practice, but the
// case is handled defensively by not skipping at all and letting the next
// readElement fail loudly rather than silently consuming the rest of the
// file.
func skipElement(r io.Reader, size int64, unknown bool) error {
	if unknown {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, size)
	if err == io.EOF {
		return nil
	}
	return err
}

func readBytes(r io.Reader, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readString(r io.Reader, size int64) (string, error) {
	b, err := readBytes(r, size)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// readUint reads a big-endian unsigned integer of the given byte length (1-8),
// the fixed-width encoding EBML uses for all "uinteger" element types.
func readUint(r io.Reader, size int64) (uint64, error) {
	if size == 0 {
		return 0, nil
	}
	if size > 8 {
		return 0, fmt.Errorf("matroska: uint element too wide (%d bytes)", size)
	}
	b, err := readBytes(r, size)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

// readFloat reads a 4- or 8-byte big-endian IEEE 754 float, EBML's only two
// valid widths for a "float" element.
func readFloat(r io.Reader, size int64) (float64, error) {
	b, err := readBytes(r, size)
	if err != nil {
		return 0, err
	}
	switch len(b) {
	case 4:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	default:
		return 0, fmt.Errorf("matroska: float element has invalid width %d", len(b))
	}
}
