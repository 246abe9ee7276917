// Package avi demuxes RIFF/AVI files: the hdrl list (avih main header, one
// strl list per stream with strh/strf), the movi list of interleaved
// "00dc"/"01wb"-style data chunks, and the idx1 index.
package avi

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vellumav/demuxcore/codec/h264"
	"github.com/vellumav/demuxcore/codec/mpeg4video"
	"github.com/vellumav/demuxcore/demux"
	"github.com/vellumav/demuxcore/input"
	"github.com/vellumav/demuxcore/media"
	"github.com/vellumav/demuxcore/track"
)

// FourCC chunk/list identifiers this package cares about.
const (
	fourCCRIFF = "RIFF"
	fourCCAVI  = "AVI "
	fourCCLIST = "LIST"
	fourCChdrl = "hdrl"
	fourCCmovi = "movi"
	fourCCstrl = "strl"
	fourCCavih = "avih"
	fourCCstrh = "strh"
	fourCCstrf = "strf"
	fourCCidx1 = "idx1"
	fourCCvids = "vids"
	fourCCauds = "auds"
)

const aviifKeyframe = 0x10

// ErrInvalidFormat is returned when the file doesn't carry a RIFF/AVI signature.
var ErrInvalidFormat = errors.New("avi: not a RIFF/AVI file")

var aviTimeBase = media.Rational{Num: 1, Den: 1_000_000} // microseconds

// Probe reports whether src begins with "RIFF"....."AVI ".
func Probe(src input.Source) bool {
	buf, err := src.Peek(12)
	if err != nil || len(buf) < 12 {
		return false
	}
	return string(buf[0:4]) == "RIFF" && string(buf[8:12]) == "AVI "
}

type streamInfo struct {
	isVideo     bool
	isAudio     bool
	rate, scale uint32 // strh dwRate/dwScale: rate/scale = samples (or frames) per second
	trackIndex  int
	vol         *mpeg4video.VOLHeader      // set when codec is mpeg4video, needed to parse VOP headers
	packer      *mpeg4video.PackedUnpacker // per-stream packed-B-frame sideband state
}

type indexEntry struct {
	chunkID [4]byte
	flags   uint32
	offset  uint32
	size    uint32
}

// Demuxer reads AVI's interleaved movi chunks in index order, routing each
// to the track its two-digit stream number names.
type Demuxer struct {
	log    *slog.Logger
	src    input.Source
	tracks *track.Table

	streams []streamInfo
	index   []indexEntry
	cur     int
	frameNo map[int]int64 // per-stream running frame/sample counter for timestamps
	pos     int64         // byte offset of the movi chunk currently being read
}

// New parses the RIFF/AVI header chain (hdrl, strl per stream, idx1) and
// leaves the source positioned for sequential packet reads.
func New(ctx context.Context, src input.Source, log *slog.Logger) (*Demuxer, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{log: log.With("component", "avi"), src: src, tracks: track.NewTable(), frameNo: map[int]int64{}}

	id, size, err := readChunkHeader(src)
	if err != nil {
		return nil, err
	}
	if id != fourCCRIFF {
		return nil, ErrInvalidFormat
	}
	_ = size
	sig := make([]byte, 4)
	if _, err := io.ReadFull(src, sig); err != nil {
		return nil, err
	}
	if string(sig) != fourCCAVI {
		return nil, ErrInvalidFormat
	}

	if err := d.parseHeaders(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Demuxer) Tracks() *track.Table { return d.tracks }

func (d *Demuxer) parseHeaders() error {
	for {
		id, size, err := readChunkHeader(d.src)
		if err != nil {
			return err
		}
		switch id {
		case fourCCLIST:
			listType := make([]byte, 4)
			if _, err := io.ReadFull(d.src, listType); err != nil {
				return err
			}
			switch string(listType) {
			case fourCChdrl:
				if err := d.parseHdrl(size - 4); err != nil {
					return err
				}
			case fourCCmovi:
				// movi's payload is read packet-by-packet in Run via the
				// idx1 index collected below; nothing to do here but skip it.
				if err := discard(d.src, int64(size-4)); err != nil {
					return err
				}
			default:
				if err := discard(d.src, int64(size-4)); err != nil {
					return err
				}
			}
		case fourCCidx1:
			if err := d.parseIndex(size); err != nil {
				return err
			}
			return nil
		default:
			if err := discard(d.src, int64(size)); err != nil {
				return err
			}
		}
		if size&1 == 1 {
			discard(d.src, 1)
		}
	}
}

func (d *Demuxer) parseHdrl(size uint32) error {
	var read uint32
	for read < size {
		id, csize, err := readChunkHeader(d.src)
		if err != nil {
			return err
		}
		read += 8
		switch id {
		case fourCCavih:
			if err := discard(d.src, int64(csize)); err != nil {
				return err
			}
		case fourCCLIST:
			listType := make([]byte, 4)
			if _, err := io.ReadFull(d.src, listType); err != nil {
				return err
			}
			if string(listType) == fourCCstrl {
				if err := d.parseStrl(csize - 4); err != nil {
					return err
				}
			} else {
				if err := discard(d.src, int64(csize-4)); err != nil {
					return err
				}
			}
		default:
			if err := discard(d.src, int64(csize)); err != nil {
				return err
			}
		}
		read += csize
		if csize&1 == 1 {
			discard(d.src, 1)
			read++
		}
	}
	return nil
}

func (d *Demuxer) parseStrl(size uint32) error {
	info := streamInfo{trackIndex: -1}
	var read uint32
	var strfData []byte
	for read < size {
		id, csize, err := readChunkHeader(d.src)
		if err != nil {
			return err
		}
		read += 8
		switch id {
		case fourCCstrh:
			body := make([]byte, csize)
			if _, err := io.ReadFull(d.src, body); err != nil {
				return err
			}
			if len(body) >= 32 {
				typ := string(body[0:4])
				info.isVideo = typ == fourCCvids
				info.isAudio = typ == fourCCauds
				info.scale = binary.LittleEndian.Uint32(body[20:24])
				info.rate = binary.LittleEndian.Uint32(body[24:28])
			}
		case fourCCstrf:
			strfData = make([]byte, csize)
			if _, err := io.ReadFull(d.src, strfData); err != nil {
				return err
			}
		default:
			if err := discard(d.src, int64(csize)); err != nil {
				return err
			}
		}
		read += csize
		if csize&1 == 1 {
			discard(d.src, 1)
			read++
		}
	}

	idx := len(d.streams)
	codecName, codecTag, globalHeader := classifyStream(info, strfData)
	if codecName != "" {
		var typ media.StreamType
		if info.isVideo {
			typ = media.StreamVideo
		} else {
			typ = media.StreamAudio
		}
		tr := track.New(len(d.tracks.All()), typ, aviTimeBase, media.CompressionInfo{
			Codec: codecName, CodecTag: codecTag, GlobalHeader: globalHeader,
		})
		d.tracks.Add(tr)
		info.trackIndex = tr.Index
		if codecName == "mpeg4video" {
			if vol, _, err := mpeg4video.ParseVOL(globalHeader); err == nil {
				info.vol = &vol
			}
			info.packer = &mpeg4video.PackedUnpacker{}
		}
	}
	d.streams = append(d.streams, info)
	_ = idx
	return nil
}

func classifyStream(info streamInfo, strf []byte) (codecName string, codecTag uint32, globalHeader []byte) {
	if info.isVideo {
		if len(strf) < 40 {
			return "", 0, nil
		}
		compression := string(strf[16:20])
		extra := strf[40:]
		switch compression {
		case "H264", "h264", "avc1", "AVC1", "X264", "x264":
			return "h264", binary.LittleEndian.Uint32(strf[16:20]), append([]byte(nil), extra...)
		case "HVC1", "hvc1", "H265", "h265", "HEVC", "hevc":
			return "h265", binary.LittleEndian.Uint32(strf[16:20]), append([]byte(nil), extra...)
		case "MJPG", "mjpg":
			return "mjpeg", binary.LittleEndian.Uint32(strf[16:20]), nil
		case "XVID", "xvid", "DIVX", "divx", "DX50", "dx50", "FMP4", "fmp4", "mp4v", "MP4V":
			return "mpeg4video", binary.LittleEndian.Uint32(strf[16:20]), append([]byte(nil), extra...)
		default:
			return "", 0, nil
		}
	}
	if info.isAudio {
		if len(strf) < 16 {
			return "", 0, nil
		}
		tag := binary.LittleEndian.Uint16(strf[0:2])
		var extra []byte
		if len(strf) > 18 {
			extra = append([]byte(nil), strf[18:]...)
		}
		switch tag {
		case 0x00FF: // WAVE_FORMAT_AAC
			return "aac", uint32(tag), extra
		case 0x0007: // WAVE_FORMAT_MULAW
			return "mulaw", uint32(tag), nil
		case 0x0006: // WAVE_FORMAT_ALAW
			return "alaw", uint32(tag), nil
		case 0x0055: // WAVE_FORMAT_MPEGLAYER3
			return "mp3", uint32(tag), nil
		case 0x0001: // WAVE_FORMAT_PCM
			return "pcm_s16le", uint32(tag), nil
		default:
			return "", 0, nil
		}
	}
	return "", 0, nil
}

func (d *Demuxer) parseIndex(size uint32) error {
	n := size / 16
	d.index = make([]indexEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		buf := make([]byte, 16)
		if _, err := io.ReadFull(d.src, buf); err != nil {
			return err
		}
		var e indexEntry
		copy(e.chunkID[:], buf[0:4])
		e.flags = binary.LittleEndian.Uint32(buf[4:8])
		e.offset = binary.LittleEndian.Uint32(buf[8:12])
		e.size = binary.LittleEndian.Uint32(buf[12:16])
		d.index = append(d.index, e)
	}
	return nil
}

// Run walks the movi payload sequentially: idx1 tells us each chunk's size
// and key-frame flag, but this package doesn't assume seek capability, so it
// reads each "NNxx"-tagged sub-chunk header directly off the stream rather
// than trusting the index's byte offsets.
func (d *Demuxer) Run(ctx context.Context) error {
	defer d.tracks.CloseAll()

	for d.cur < len(d.index) {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunkPos := d.pos
		id, size, err := readChunkHeader(d.src)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		d.pos += 8
		chunkID := string(id)
		d.cur++

		streamIdx, typeSuffix := parseChunkID(chunkID)
		if streamIdx < 0 || streamIdx >= len(d.streams) {
			if err := discard(d.src, int64(size)); err != nil {
				return err
			}
			d.pos += int64(size)
			if size&1 == 1 {
				discard(d.src, 1)
				d.pos++
			}
			continue
		}
		info := d.streams[streamIdx]
		if info.trackIndex < 0 {
			if err := discard(d.src, int64(size)); err != nil {
				return err
			}
			d.pos += int64(size)
			if size&1 == 1 {
				discard(d.src, 1)
				d.pos++
			}
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(d.src, data); err != nil {
			return fmt.Errorf("avi: reading chunk data: %w", err)
		}
		d.pos += int64(size)
		if size&1 == 1 {
			discard(d.src, 1)
			d.pos++
		}

		isKeyframe := typeSuffix == "db" || info.isAudio

		tr := d.tracks.Get(info.trackIndex)
		if tr == nil {
			continue
		}

		if tr.Info.Codec == "mpeg4video" && info.vol != nil && info.packer != nil {
			for _, vop := range info.packer.Unpack(data, *info.vol) {
				d.sendMpeg4Packet(tr, streamIdx, &info, vop, chunkPos)
			}
			continue
		}

		frame := d.frameNo[streamIdx]
		d.frameNo[streamIdx] = frame + 1
		var ts int64
		if info.rate > 0 && info.scale > 0 {
			ts = frame * int64(info.scale) * aviTimeBase.Den / int64(info.rate)
		}

		flags := media.PacketFlags(0)
		if info.isAudio || isKeyframe {
			flags |= media.PacketKeyframe
		} else if tr.Info.Codec == "h264" && len(data) > 0 && h264.IsKeyframe(data[0]&0x1F) {
			flags |= media.PacketKeyframe
		}
		tr.Send(&media.Packet{
			PTS: ts, DTS: ts, TimeBase: tr.TimeBase,
			Data: data, Flags: flags, StreamIndex: tr.Index,
			Position: chunkPos,
		})
	}

	for i := range d.streams {
		info := &d.streams[i]
		if info.packer == nil {
			continue
		}
		tr := d.tracks.Get(info.trackIndex)
		if tr == nil {
			continue
		}
		if vop, ok := info.packer.Flush(); ok {
			d.sendMpeg4Packet(tr, i, info, vop, media.PTSUndefined)
		}
	}
	return nil
}

// sendMpeg4Packet converts one unpacked VOP picture into a media.Packet and
// sends it, advancing streamIdx's running frame/timestamp counter.
func (d *Demuxer) sendMpeg4Packet(tr *track.Track, streamIdx int, info *streamInfo, vop mpeg4video.UnpackedVOP, pos int64) {
	frame := d.frameNo[streamIdx]
	d.frameNo[streamIdx] = frame + 1
	var ts int64
	if info.rate > 0 && info.scale > 0 {
		ts = frame * int64(info.scale) * aviTimeBase.Den / int64(info.rate)
	}

	var picType media.PictureType
	switch vop.CodingType {
	case mpeg4video.CodingI:
		picType = media.PictureI
	case mpeg4video.CodingP:
		picType = media.PictureP
	case mpeg4video.CodingB:
		picType = media.PictureB
	}
	flags := media.PacketFlags(0)
	if picType == media.PictureI {
		flags |= media.PacketKeyframe
	}
	tr.Send(&media.Packet{
		PTS: ts, DTS: ts, TimeBase: tr.TimeBase,
		Data: vop.Data, Flags: flags, StreamIndex: tr.Index, Type: picType,
		Position: pos,
	})
}

// parseChunkID splits a movi sub-chunk FourCC like "00dc"/"01wb" into its
// two-digit stream number and its two-letter type suffix ("dc"/"db"/"wb").
func parseChunkID(id string) (streamIdx int, suffix string) {
	if len(id) != 4 || id[0] < '0' || id[0] > '9' || id[1] < '0' || id[1] > '9' {
		return -1, ""
	}
	return int(id[0]-'0')*10 + int(id[1]-'0'), id[2:4]
}

func readChunkHeader(src input.Source) (string, uint32, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", 0, err
	}
	return string(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8]), nil
}

func discard(src input.Source, n int64) error {
	_, err := io.CopyN(io.Discard, src, n)
	if err == io.EOF {
		return nil
	}
	return err
}

func create(ctx context.Context, src input.Source, log *slog.Logger) (demux.Demuxer, error) {
	return New(ctx, src, log)
}

func init() {
	demux.Register(demux.Format{Name: "avi", Probe: Probe, Create: create})
}

var _ demux.Demuxer = (*Demuxer)(nil)
