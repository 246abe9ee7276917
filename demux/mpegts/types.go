// Package mpegts demultiplexes MPEG transport streams: 188-byte TS packets,
// PAT/PMT PSI sections (with CRC32 verification), and PES packet
// reassembly with PTS/DTS extraction. It is the reference container
// implementation for demuxcore's demuxer framework (see the parent demux
// package for the generic Track/Packet integration).
package mpegts

// Packet is one parsed 188-byte transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
	// Position is this packet's byte offset within the transport stream,
	// carried through to media.Packet.Position by the PES/PSI unit it
	// contributes to (its first packet sets the unit's position).
	Position int64
}

// PacketHeader is the 4-byte (plus adaptation field) TS packet header.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         byte
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	// PCR is this packet's Program Clock Reference in 27MHz ticks, nil if
	// the adaptation field carries none.
	PCR *int64
}

// DemuxerData is one unit of parsed output: exactly one of PAT, PMT, or PES
// is set, alongside the first raw TS packet that contributed to it (useful
// for PCR/timing correlation by callers).
type DemuxerData struct {
	FirstPacket *Packet
	PAT         *PATData
	PMT         *PMTData
	PES         *PESData
}

// PATData is a parsed Program Association Table section.
type PATData struct {
	Programs []*PATProgram
}

// PATProgram is one program entry in a PAT.
type PATProgram struct {
	ProgramNumber uint16
	ProgramMapID  uint16 // the PID carrying this program's PMT
}

// PMTData is a parsed Program Map Table section.
type PMTData struct {
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream is one elementary stream entry in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    byte
}

// PESData is a parsed Packetized Elementary Stream packet.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

// PESHeader is a PES packet's fixed and optional header fields.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       byte
}

// PESOptionalHeader carries the PTS/DTS timestamps when present.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// ClockReference is a 33-bit, 90kHz MPEG clock value.
type ClockReference struct {
	Base int64
}

// PacketsParser lets a caller intercept a PID's accumulated TS packets
// before the default PSI/PES routing runs. Returning skip=true suppresses
// the default handling for this batch.
type PacketsParser func(ps []*Packet) (ds []*DemuxerData, skip bool, err error)

// Well-known stream_type values from the PMT, ISO/IEC 13818-1 Table 2-34.
const (
	StreamTypeMPEG2Video = 0x02
	StreamTypeAAC        = 0x0F
	StreamTypeAACLATM    = 0x11
	StreamTypeH264       = 0x1B
	StreamTypeHEVC       = 0x24
	StreamTypeAC3        = 0x81
	StreamTypeSCTE35     = 0x86
)
