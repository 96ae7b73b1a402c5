// Package decoder turns a growing buffer of MP3 bytes into PCM frames,
// decoding each byte range exactly once.
package decoder

import (
	"bytes"

	"github.com/dhowden/tag"
	"github.com/glebovdev/cloudplay-cli/internal/metrics"
	"github.com/rs/zerolog/log"
)

// DefaultMaxTagBytes bounds the ID3v2 tag size that is held and parsed;
// larger tags (usually embedded artwork) are skipped as they stream past.
const DefaultMaxTagBytes = 512 * 1024

// Codec decodes one complete frame. Implementations may keep state across
// frames and must drop it on Reset.
type Codec interface {
	Decode(h FrameHeader, frame []byte) ([][2]float64, error)
	Reset()
}

// TagInfo is the subset of ID3 metadata logged for a stream.
type TagInfo struct {
	Title  string
	Artist string
	Album  string
}

type Options struct {
	CapBytes    int
	RetainBytes int
	MaxTagBytes int
	Metrics     *metrics.Metrics
}

type Decoder struct {
	buf     *Buffer
	codec   Codec
	metrics *metrics.Metrics
	maxTag  int

	synced bool
	skip   int

	first  *FrameHeader
	tags   *TagInfo
	frames int
	errors int
}

func New(codec Codec, opts Options) *Decoder {
	if opts.MaxTagBytes <= 0 {
		opts.MaxTagBytes = DefaultMaxTagBytes
	}
	return &Decoder{
		buf:     NewBuffer(opts.CapBytes, opts.RetainBytes),
		codec:   codec,
		metrics: opts.Metrics,
		maxTag:  opts.MaxTagBytes,
	}
}

// Write appends newly received bytes.
func (d *Decoder) Write(p []byte) {
	if d.buf.Append(p) {
		d.metrics.BufferTrimmed()
		log.Debug().Msgf("Stream buffer trimmed to %d bytes", d.buf.Len())
	}
}

// Feed appends p and decodes whatever became complete.
func (d *Decoder) Feed(p []byte) [][2]float64 {
	d.Write(p)
	return d.Decode(false)
}

// Decode consumes every complete frame between the processed offset and the
// end of the buffer and returns the new samples. While searching for sync a
// frame is only accepted when a matching header follows it; with final set
// the stream has ended and the trailing frame is accepted without one.
// Malformed data is skipped one byte at a time.
func (d *Decoder) Decode(final bool) [][2]float64 {
	var out [][2]float64

	for {
		pending := d.buf.Pending()
		if len(pending) == 0 {
			return out
		}

		if d.skip > 0 {
			n := min(d.skip, len(pending))
			d.buf.Advance(n)
			d.skip -= n
			continue
		}

		if !d.synced {
			size, complete := id3v2Size(pending)
			if !complete {
				if final {
					d.buf.Advance(len(pending))
				}
				return out
			}
			if size > 0 {
				switch {
				case size <= len(pending):
					d.readTags(pending[:size])
					d.buf.Advance(size)
				case size > d.maxTag || final:
					d.skip = size
				default:
					return out
				}
				continue
			}
		}

		if len(pending) < HeaderSize {
			if final {
				d.buf.Advance(len(pending))
			}
			return out
		}

		h, err := ParseFrameHeader(pending)
		if err != nil {
			d.loseSync(err)
			d.buf.Advance(1)
			continue
		}

		if len(pending) < h.Length {
			if final {
				d.buf.Advance(len(pending))
			}
			return out
		}

		if !d.synced {
			next := pending[h.Length:]
			if len(next) < HeaderSize {
				if !final {
					return out
				}
			} else if !confirms(h, next) {
				d.buf.Advance(1)
				continue
			}
		}

		samples, err := d.codec.Decode(h, pending[:h.Length])
		if err != nil {
			d.errors++
			d.metrics.DecodeError()
			log.Debug().Err(err).Msgf("Skipping malformed frame at byte %d", d.buf.StreamOffset())
			d.codec.Reset()
			d.synced = false
			d.buf.Advance(1)
			continue
		}

		if d.first == nil {
			first := h
			d.first = &first
			log.Debug().Msgf("Stream format: %s layer III %dk %dHz %dch", h.Version, h.Bitrate, h.SampleRate, h.Channels)
		}

		out = append(out, samples...)
		d.buf.Advance(h.Length)
		d.synced = true
		d.frames++
	}
}

func (d *Decoder) loseSync(err error) {
	if !d.synced {
		return
	}
	d.synced = false
	d.errors++
	d.metrics.DecodeError()
	log.Debug().Err(err).Msgf("Lost frame sync at byte %d", d.buf.StreamOffset())
}

func confirms(h FrameHeader, next []byte) bool {
	nh, err := ParseFrameHeader(next)
	if err != nil {
		return false
	}
	return nh.Version == h.Version && nh.SampleRate == h.SampleRate
}

func (d *Decoder) readTags(raw []byte) {
	m, err := tag.ReadFrom(bytes.NewReader(raw))
	if err != nil {
		log.Debug().Err(err).Msg("Unreadable ID3 tag")
		return
	}
	d.tags = &TagInfo{Title: m.Title(), Artist: m.Artist(), Album: m.Album()}
	log.Debug().Msgf("ID3 tag: %s - %s (%s)", d.tags.Artist, d.tags.Title, d.tags.Album)
}

// SampleRate returns the rate of the first decoded frame, or 0 before any.
func (d *Decoder) SampleRate() int {
	if d.first == nil {
		return 0
	}
	return d.first.SampleRate
}

// Header returns the first decoded frame header.
func (d *Decoder) Header() (FrameHeader, bool) {
	if d.first == nil {
		return FrameHeader{}, false
	}
	return *d.first, true
}

// Tags returns ID3 metadata found at the head of the stream, if any.
func (d *Decoder) Tags() *TagInfo { return d.tags }

func (d *Decoder) Frames() int { return d.frames }
func (d *Decoder) Errors() int { return d.errors }

// Buffer exposes the underlying byte buffer for inspection.
func (d *Decoder) Buffer() *Buffer { return d.buf }
