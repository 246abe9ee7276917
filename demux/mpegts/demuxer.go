package mpegts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithPacketsParser installs a callback that intercepts accumulated packets
// for a PID before the default PSI/PES routing runs.
func WithPacketsParser(pp PacketsParser) Option {
	return func(d *Demuxer) { d.packetsParser = pp }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Demuxer) { d.log = l }
}

// WithPacketSize overrides the 188-byte TS packet size, for 192/204-byte
// variants carrying a leading timecode or a trailing FEC block.
func WithPacketSize(n int) Option {
	return func(d *Demuxer) { d.pktSize = n }
}

// Demuxer pulls TS packets from a reader and reassembles PAT/PMT/PES units.
// It is the low-level building block; see the parent demux package for the
// generic Track/Packet wiring on top of it.
type Demuxer struct {
	ctx context.Context
	r   io.Reader
	log *slog.Logger

	pktSize int
	readBuf []byte
	pos     int64 // bytes consumed from r so far, for Packet.Position

	programMap    *programMap
	pool          *packetPool
	packetsParser PacketsParser

	pending []*DemuxerData
	eof     bool
}

// NewDemuxer constructs a Demuxer reading 188-byte TS packets from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...Option) *Demuxer {
	pm := newProgramMap()
	d := &Demuxer{
		ctx:        ctx,
		r:          r,
		log:        slog.Default().With("component", "mpegts"),
		pktSize:    packetSize,
		programMap: pm,
		pool:       newPacketPool(pm),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.readBuf = make([]byte, d.pktSize)
	return d
}

// NextData returns the next parsed PAT, PMT, or PES unit, pulling and
// reassembling TS packets from the underlying reader as needed.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for {
		if len(d.pending) > 0 {
			next := d.pending[0]
			d.pending = d.pending[1:]
			return next, nil
		}
		if d.eof {
			return nil, io.EOF
		}

		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		pkt, err := d.readPacket()
		if err != nil {
			if err == io.EOF {
				d.eof = true
				d.pending = append(d.pending, d.drainPool()...)
				continue
			}
			return nil, err
		}

		if pkt.Header.PID == pidPAT {
			// handled after accumulation below, PAT discovery updates pm lazily
		}

		flushed := d.pool.add(pkt)
		if flushed == nil {
			continue
		}

		data, err := d.processPackets(pkt.Header.PID, flushed)
		if err != nil {
			d.log.Warn("discarding malformed unit", "pid", pkt.Header.PID, "err", err)
			continue
		}
		d.pending = append(d.pending, data...)
	}
}

func (d *Demuxer) drainPool() []*DemuxerData {
	var all []*DemuxerData
	for _, packets := range d.pool.dump() {
		if len(packets) == 0 {
			continue
		}
		data, err := d.processPackets(packets[0].Header.PID, packets)
		if err != nil {
			d.log.Warn("discarding malformed unit at eof", "err", err)
			continue
		}
		all = append(all, data...)
	}
	return all
}

func (d *Demuxer) readPacket() (*Packet, error) {
	position := d.pos
	if _, err := io.ReadFull(d.r, d.readBuf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	d.pos += int64(len(d.readBuf))

	buf := d.readBuf
	if d.pktSize != packetSize {
		// 192-byte (timecode-prefixed) and 204-byte (FEC-suffixed) variants
		// carry the 188-byte TS packet at a fixed sync-byte-aligned offset.
		idx := bytes.IndexByte(buf, syncByte)
		if idx < 0 || idx+packetSize > len(buf) {
			return nil, fmt.Errorf("mpegts: sync byte not found in %d-byte block", d.pktSize)
		}
		buf = buf[idx : idx+packetSize]
		position += int64(idx)
	}

	pkt, err := parsePacket(buf)
	if err != nil {
		return nil, err
	}
	pkt.Position = position
	return pkt, nil
}

func (d *Demuxer) processPackets(pid uint16, packets []*Packet) ([]*DemuxerData, error) {
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	firstPacket := packets[0]

	if d.packetsParser != nil {
		data, skip, err := d.packetsParser(packets)
		if err != nil {
			return nil, err
		}
		if skip {
			return data, nil
		}
	}

	if isPSIPayload(pid, d.programMap) {
		results, err := parsePSI(payload, pid, firstPacket, d.programMap)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if r.PAT != nil {
				for _, prog := range r.PAT.Programs {
					d.programMap.addPMTPID(prog.ProgramMapID)
				}
			}
		}
		return results, nil
	}

	if isPESPayload(payload) {
		pes, err := parsePES(payload)
		if err != nil {
			return nil, err
		}
		return []*DemuxerData{{FirstPacket: firstPacket, PES: pes}}, nil
	}

	return nil, nil
}
