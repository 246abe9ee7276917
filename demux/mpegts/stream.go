package mpegts

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vellumav/demuxcore/codec/aac"
	"github.com/vellumav/demuxcore/codec/h264"
	"github.com/vellumav/demuxcore/codec/h265"
	"github.com/vellumav/demuxcore/media"
	"github.com/vellumav/demuxcore/track"
)

// mpegTimeBase is the 90kHz clock every PES PTS/DTS is expressed in.
var mpegTimeBase = media.Rational{Num: 1, Den: 90000}

// StreamDemuxer wraps the low-level Demuxer, routing PAT/PMT/PES units into
// a track.Table of codec-tagged media.Packet streams. It is the generic
// container-to-track bridge the demux package's registry expects every
// format package to provide.
type StreamDemuxer struct {
	log *slog.Logger
	d   *Demuxer

	tracks     *track.Table
	pidToTrack map[uint16]int
	nextIndex  int

	sps map[uint16]h264.SPSInfo // keyed by PID, for H.264 tracks
}

// NewStreamDemuxer constructs a StreamDemuxer reading from r.
func NewStreamDemuxer(ctx context.Context, r io.Reader, log *slog.Logger) *StreamDemuxer {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "mpegts")

	sd := &StreamDemuxer{
		log:        log,
		tracks:     track.NewTable(),
		pidToTrack: make(map[uint16]int),
		sps:        make(map[uint16]h264.SPSInfo),
	}
	sd.d = NewDemuxer(ctx, r, WithLogger(log))
	return sd
}

// Tracks returns the track table, populated as PMTs are observed. Callers
// should poll it (or call Run in a goroutine and watch for new tracks)
// since PMT arrival time is not known in advance.
func (sd *StreamDemuxer) Tracks() *track.Table { return sd.tracks }

// Run pulls DemuxerData units until EOF or ctx cancellation, discovering
// tracks from PMTs and feeding packets assembled from PES payloads into
// them. It closes every track before returning.
func (sd *StreamDemuxer) Run(ctx context.Context) error {
	defer sd.tracks.CloseAll()

	for {
		data, err := sd.d.NextData()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch {
		case data.PMT != nil:
			sd.onPMT(data.PMT)
		case data.PES != nil:
			pid := sd.pidFor(data)
			var pos int64 = media.PTSUndefined
			if data.FirstPacket != nil {
				pos = data.FirstPacket.Position
			}
			sd.onPES(pid, pos, data.PES)
		}
	}
}

// pidFor recovers the elementary PID a DemuxerData unit came from, using the
// first contributing TS packet (PSI/PES units both carry one).
func (sd *StreamDemuxer) pidFor(data *DemuxerData) uint16 {
	if data.FirstPacket != nil {
		return data.FirstPacket.Header.PID
	}
	return 0
}

func (sd *StreamDemuxer) onPMT(pmt *PMTData) {
	for _, es := range pmt.ElementaryStreams {
		if _, ok := sd.pidToTrack[es.ElementaryPID]; ok {
			continue
		}

		typ, codec := classifyStreamType(es.StreamType)
		if typ == media.StreamUnknown {
			sd.log.Debug("skipping unsupported stream_type", "pid", es.ElementaryPID, "stream_type", es.StreamType)
			continue
		}

		idx := sd.nextIndex
		sd.nextIndex++

		tr := track.New(idx, typ, mpegTimeBase, media.CompressionInfo{
			Codec:    codec,
			CodecTag: uint32(es.StreamType),
		})
		if err := sd.tracks.Add(tr); err != nil {
			sd.log.Warn("track registration failed", "err", err)
			continue
		}
		sd.pidToTrack[es.ElementaryPID] = idx
		sd.log.Info("track discovered", "pid", es.ElementaryPID, "type", typ, "codec", codec)
	}
}

func (sd *StreamDemuxer) onPES(pid uint16, position int64, pes *PESData) {
	idx, ok := sd.pidToTrack[pid]
	if !ok {
		return
	}
	tr := sd.tracks.Get(idx)
	if tr == nil {
		return
	}

	for _, pkt := range sd.packetsFromPES(pid, tr, position, pes) {
		tr.Send(pkt)
	}
}

// packetsFromPES turns one PES payload into zero or more media.Packet
// values. AAC payloads are split into one packet per ADTS frame. H.264/H.265
// payloads are scanned for keyframe, picture type and parameter sets but are
// delivered as a single packet per PES, as are all other codecs.
func (sd *StreamDemuxer) packetsFromPES(pid uint16, tr *track.Track, position int64, pes *PESData) []*media.Packet {
	pts, dts, pesPTS := extractTimestamps(pes)

	var out []*media.Packet
	switch tr.Info.Codec {
	case "h264":
		out = sd.h264Packets(pid, tr, pes.Data, pts, dts)
	case "h265":
		out = h265Packets(tr, pes.Data, pts, dts)
	case "aac":
		out = aacPackets(tr, pes.Data, pts, dts)
	default:
		// MPEG-2 video and anything else without a dedicated NAL splitter
		// is forwarded as one packet per PES, which is already how the
		// container delimits access units for those codecs.
		out = []*media.Packet{{
			PTS: pts, DTS: dts, TimeBase: tr.TimeBase,
			Data: pes.Data, StreamIndex: tr.Index,
		}}
	}
	// Position and PESPTS describe the PES unit as a whole, not any one
	// split-out packet within it, but there's no per-NAL byte offset to
	// hand out without parsing start codes a second time.
	for _, p := range out {
		p.Position = position
		p.PESPTS = pesPTS
	}
	return out
}

func (sd *StreamDemuxer) h264Packets(pid uint16, tr *track.Track, data []byte, pts, dts int64) []*media.Packet {
	nalus := h264.ParseAnnexB(data)
	var out []*media.Packet
	keyframe := false
	picType := media.PictureUnknown

	for _, n := range nalus {
		if h264.IsSPS(n.Type) {
			if sps, err := h264.ParseSPS(n.Data); err == nil {
				sd.sps[pid] = sps
				tr.Info.GlobalHeader = append(tr.Info.GlobalHeader, n.Data...)
			}
		}
		if h264.IsPPS(n.Type) {
			tr.Info.GlobalHeader = append(tr.Info.GlobalHeader, n.Data...)
		}
		if h264.IsKeyframe(n.Type) {
			keyframe = true
		}
		if pt, ok := h264.ParseSliceType(n.Data); ok {
			picType = pt
		}
	}

	flags := media.PacketFlags(0)
	if keyframe || picType == media.PictureI {
		flags |= media.PacketKeyframe
	}
	out = append(out, &media.Packet{
		PTS: pts, DTS: dts, TimeBase: tr.TimeBase,
		Data: data, Flags: flags, StreamIndex: tr.Index, Type: picType,
	})
	return out
}

func h265Packets(tr *track.Track, data []byte, pts, dts int64) []*media.Packet {
	nalus := h265.ParseAnnexB(data)
	keyframe := false
	picType := media.PictureUnknown
	for _, n := range nalus {
		if h265.IsKeyframe(n.Type) {
			keyframe = true
		}
		if h265.IsSPS(n.Type) || h265.IsVPS(n.Type) {
			tr.Info.GlobalHeader = append(tr.Info.GlobalHeader, n.Data...)
		}
		if pt, ok := h265.ParseSliceType(n.Type, n.Data); ok {
			picType = pt
		}
	}
	flags := media.PacketFlags(0)
	if keyframe || picType == media.PictureI {
		flags |= media.PacketKeyframe
	}
	return []*media.Packet{{
		PTS: pts, DTS: dts, TimeBase: tr.TimeBase,
		Data: data, Flags: flags, StreamIndex: tr.Index, Type: picType,
	}}
}

func aacPackets(tr *track.Track, data []byte, pts, dts int64) []*media.Packet {
	frames, err := aac.ParseADTS(data)
	if err != nil || len(frames) == 0 {
		return []*media.Packet{{
			PTS: pts, DTS: dts, TimeBase: tr.TimeBase,
			Data: data, StreamIndex: tr.Index,
		}}
	}

	out := make([]*media.Packet, 0, len(frames))
	for i, f := range frames {
		// AAC frames within one PES share no individual timestamps; only
		// the first carries the PES PTS/DTS, matching how most muxers
		// place one ADTS frame at the start of each PES packet.
		p := &media.Packet{
			TimeBase: tr.TimeBase, Data: f.Data,
			Flags: media.PacketKeyframe, StreamIndex: tr.Index,
			HeaderSize: f.HeaderSize,
		}
		if i == 0 {
			p.PTS, p.DTS = pts, dts
		}
		out = append(out, p)
	}
	return out
}

func extractTimestamps(pes *PESData) (pts, dts, pesPTS int64) {
	pesPTS = media.PTSUndefined
	if pes.Header == nil || pes.Header.OptionalHeader == nil {
		return 0, 0, pesPTS
	}
	oh := pes.Header.OptionalHeader
	if oh.PTS != nil {
		pts = oh.PTS.Base
		pesPTS = oh.PTS.Base
	}
	if oh.DTS != nil {
		dts = oh.DTS.Base
	} else {
		dts = pts
	}
	return pts, dts, pesPTS
}

func classifyStreamType(streamType byte) (media.StreamType, string) {
	switch streamType {
	case StreamTypeH264:
		return media.StreamVideo, "h264"
	case StreamTypeHEVC:
		return media.StreamVideo, "h265"
	case StreamTypeMPEG2Video:
		return media.StreamVideo, "mpeg2video"
	case StreamTypeAAC:
		return media.StreamAudio, "aac"
	case StreamTypeAACLATM:
		return media.StreamAudio, "aac-latm"
	case StreamTypeAC3:
		return media.StreamAudio, "ac3"
	case StreamTypeSCTE35:
		return media.StreamMessage, "scte35"
	default:
		return media.StreamUnknown, fmt.Sprintf("unknown-0x%02x", streamType)
	}
}
