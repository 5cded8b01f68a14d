package keyframe

// Detector classifies an opaque video buffer as starting a key frame.
// The relay never parses the bitstream beyond this check, so the strategy is
// pluggable: upstreams with a different framing convention supply their own.
type Detector interface {
	IsKeyFrame(buf []byte) bool
}

// NAL unit codes that mark the start of a decodable group of pictures when
// found in the header byte right after the Annex-B start code. Covers the
// H.264 SPS/IDR codes and their H.265 parameter-set equivalents.
const (
	NALH265VPS = 0x40
	NALH265SPS = 0x42
	NALH265PPS = 0x44
	NALH265IDR = 0x4E
	NALH264IDR = 0x65
	NALH264SPS = 0x67
)

// DefaultCodes is the code set used by NewNALDetector.
var DefaultCodes = []byte{
	NALH265VPS,
	NALH265SPS,
	NALH265PPS,
	NALH265IDR,
	NALH264IDR,
	NALH264SPS,
}

// NALDetector classifies buffers by inspecting the NAL header byte after a
// 3- or 4-byte Annex-B start code. It checks both plausible offsets because
// cameras are inconsistent about which start-code length they emit first.
// This is a heuristic tied to that framing convention, not a bitstream parser.
type NALDetector struct {
	codes [256]bool
}

// NewNALDetector creates a detector for the default H.264/H.265 code set.
func NewNALDetector() *NALDetector {
	return NewNALDetectorWithCodes(DefaultCodes)
}

// NewNALDetectorWithCodes creates a detector matching the given NAL header
// bytes at either start-code offset.
func NewNALDetectorWithCodes(codes []byte) *NALDetector {
	d := &NALDetector{}
	for _, c := range codes {
		d.codes[c] = true
	}
	return d
}

// IsKeyFrame reports whether buf begins a key frame. Buffers shorter than
// five bytes cannot carry a start code plus NAL header and are never key
// frames.
func (d *NALDetector) IsKeyFrame(buf []byte) bool {
	if len(buf) < 5 {
		return false
	}
	// Offset 3 for a 3-byte start code, offset 4 for a 4-byte one.
	return d.codes[buf[3]] || d.codes[buf[4]]
}
