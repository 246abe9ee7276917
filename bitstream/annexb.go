package bitstream

// NALUnit is a single start-code-delimited unit from an Annex-B byte stream.
type NALUnit struct {
	// Type is the codec-specific NAL type: low 5 bits of the first header
	// byte for H.264, bits 1-6 of the first header byte for H.265.
	Type byte
	// Data is the raw NAL payload including its header byte(s), excluding
	// the start code.
	Data []byte
}

// ScanAnnexB splits data on 3-byte (00 00 01) or 4-byte (00 00 00 01) start
// codes and extracts NAL units, tagging each with a codec-specific type via
// typeFunc. minLen discards any trailing fragment shorter than the minimum
// valid NAL header length for the codec (1 byte for H.264, 2 for H.265).
func ScanAnnexB(data []byte, minLen int, typeFunc func([]byte) byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			// the next start code's scStart is 3 or 4 bytes before its
			// dataStart; recompute from the raw scan since we didn't keep it.
			end = nextStart(data, positions[idx+1].dataStart)
		}
		if pos.dataStart >= end {
			continue
		}
		nalData := data[pos.dataStart:end]
		if len(nalData) < minLen {
			continue
		}
		units = append(units, NALUnit{Type: typeFunc(nalData), Data: nalData})
	}
	return units
}

// nextStart walks backward from a dataStart offset to find where its start
// code began (3 or 4 bytes earlier).
func nextStart(data []byte, dataStart int) int {
	if dataStart >= 4 && data[dataStart-4] == 0 && data[dataStart-3] == 0 &&
		data[dataStart-2] == 0 && data[dataStart-1] == 1 {
		return dataStart - 4
	}
	if dataStart >= 3 {
		return dataStart - 3
	}
	return dataStart
}
