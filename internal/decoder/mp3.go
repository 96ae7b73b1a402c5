package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
)

// feedReader hands the MP3 decoder exactly the frames written to it and reports
// io.EOF when drained, which the decoder treats as a frame boundary. It must not
// implement io.Seeker, or the decoder would try to scan the whole stream.
type feedReader struct {
	buf bytes.Buffer
}

func (f *feedReader) Read(p []byte) (int, error) {
	if f.buf.Len() == 0 {
		return 0, io.EOF
	}
	return f.buf.Read(p)
}

func (f *feedReader) Close() error { return nil }

// MP3Codec decodes Layer III frames with beep's mp3 decoder. The decoder is
// built on the first frame and kept across frames so bit reservoir and
// synthesis state carry over.
type MP3Codec struct {
	feed    *feedReader
	stream  beep.StreamSeekCloser
	format  beep.Format
	scratch [][2]float64
}

func NewMP3Codec() *MP3Codec {
	return &MP3Codec{feed: &feedReader{}}
}

func (c *MP3Codec) Decode(h FrameHeader, frame []byte) ([][2]float64, error) {
	c.feed.buf.Write(frame)

	if c.stream == nil {
		stream, format, err := mp3.Decode(c.feed)
		if err != nil {
			c.Reset()
			return nil, fmt.Errorf("failed to start mp3 decoder: %w", err)
		}
		c.stream = stream
		c.format = format
	}

	// Pull exactly one frame of samples so the decoder never reads past the
	// fed bytes, which would discard its state from the previous frame.
	if cap(c.scratch) < h.Samples {
		c.scratch = make([][2]float64, h.Samples)
	}
	want := c.scratch[:h.Samples]

	filled := 0
	for filled < len(want) {
		n, ok := c.stream.Stream(want[filled:])
		filled += n
		if !ok || n == 0 {
			break
		}
	}

	if err := c.stream.Err(); err != nil {
		c.Reset()
		return nil, err
	}

	if c.feed.buf.Len() > 0 {
		// Leftover input means the frame was not consumed whole.
		c.Reset()
		return nil, errors.New("mp3 decoder did not consume the frame")
	}

	out := make([][2]float64, filled)
	copy(out, want[:filled])
	return out, nil
}

func (c *MP3Codec) Reset() {
	if c.stream != nil {
		c.stream.Close()
	}
	c.stream = nil
	c.feed.buf.Reset()
}

// Format returns the PCM format once the first frame has been decoded.
func (c *MP3Codec) Format() (beep.Format, bool) {
	return c.format, c.stream != nil
}
