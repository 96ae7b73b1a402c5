package decoder

import (
	"errors"
	"fmt"
)

// HeaderSize is the length of an MPEG audio frame header.
const HeaderSize = 4

type MPEGVersion int

const (
	MPEG25 MPEGVersion = iota
	mpegReserved
	MPEG2
	MPEG1
)

func (v MPEGVersion) String() string {
	switch v {
	case MPEG1:
		return "MPEG-1"
	case MPEG2:
		return "MPEG-2"
	case MPEG25:
		return "MPEG-2.5"
	default:
		return "reserved"
	}
}

var (
	errNoSync          = errors.New("no frame sync")
	errUnsupportedType = errors.New("not a layer III frame")
	errBadBitrate      = errors.New("invalid bitrate index")
	errBadSampleRate   = errors.New("invalid sample rate index")
)

var (
	bitratesV1 = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}
	bitratesV2 = [16]int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0}

	sampleRates = map[MPEGVersion][3]int{
		MPEG1:  {44100, 48000, 32000},
		MPEG2:  {22050, 24000, 16000},
		MPEG25: {11025, 12000, 8000},
	}
)

// FrameHeader is a parsed MPEG-1/2/2.5 Layer III frame header.
type FrameHeader struct {
	Version    MPEGVersion
	Bitrate    int // kbps
	SampleRate int
	Padding    bool
	Channels   int
	Length     int // whole frame including header
	Samples    int // per channel
}

// ParseFrameHeader validates and decodes the four header bytes at b.
// Free-format bitrate is rejected since its frame length is unknown.
func ParseFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) < HeaderSize {
		return FrameHeader{}, fmt.Errorf("short header: %d bytes", len(b))
	}

	if b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return FrameHeader{}, errNoSync
	}

	version := MPEGVersion((b[1] >> 3) & 0x03)
	if version == mpegReserved {
		return FrameHeader{}, fmt.Errorf("reserved version: %w", errNoSync)
	}

	if (b[1]>>1)&0x03 != 0x01 {
		return FrameHeader{}, errUnsupportedType
	}

	bitrateIdx := b[2] >> 4
	var bitrate int
	if version == MPEG1 {
		bitrate = bitratesV1[bitrateIdx]
	} else {
		bitrate = bitratesV2[bitrateIdx]
	}
	if bitrate == 0 {
		return FrameHeader{}, errBadBitrate
	}

	srIdx := (b[2] >> 2) & 0x03
	if srIdx == 3 {
		return FrameHeader{}, errBadSampleRate
	}
	sampleRate := sampleRates[version][srIdx]

	padding := (b[2]>>1)&0x01 == 1
	pad := 0
	if padding {
		pad = 1
	}

	channels := 2
	if b[3]>>6 == 0x03 {
		channels = 1
	}

	h := FrameHeader{
		Version:    version,
		Bitrate:    bitrate,
		SampleRate: sampleRate,
		Padding:    padding,
		Channels:   channels,
	}

	if version == MPEG1 {
		h.Length = 144*bitrate*1000/sampleRate + pad
		h.Samples = 1152
	} else {
		h.Length = 72*bitrate*1000/sampleRate + pad
		h.Samples = 576
	}

	return h, nil
}

// id3v2Size returns the total length of an ID3v2 tag starting at b, or 0 when
// b does not start with a tag header. ok is false while the 10-byte header is
// incomplete.
func id3v2Size(b []byte) (size int, ok bool) {
	const magic = "ID3"
	n := min(len(b), len(magic))
	if string(b[:n]) != magic[:n] {
		return 0, true
	}
	if len(b) < 10 {
		return 0, false
	}

	for _, c := range b[6:10] {
		if c&0x80 != 0 {
			return 0, true
		}
	}

	size = int(b[6])<<21 | int(b[7])<<14 | int(b[8])<<7 | int(b[9])
	size += 10
	if b[5]&0x10 != 0 {
		size += 10 // footer
	}
	return size, true
}
