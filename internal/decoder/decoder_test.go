package decoder

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// 128 kbps, 44.1 kHz, MPEG-1 layer III, no padding: 417 byte frames.
var testHeader = []byte{0xFF, 0xFB, 0x90, 0x00}

const testFrameLen = 417

func makeFrame(marker byte) []byte {
	f := make([]byte, testFrameLen)
	copy(f, testHeader)
	for i := HeaderSize; i < len(f); i++ {
		f[i] = marker
	}
	return f
}

func makeTag(bodySize int) []byte {
	tag := []byte{'I', 'D', '3', 3, 0, 0,
		byte(bodySize >> 21 & 0x7F), byte(bodySize >> 14 & 0x7F), byte(bodySize >> 7 & 0x7F), byte(bodySize & 0x7F)}
	return append(tag, make([]byte, bodySize)...)
}

type fakeCodec struct {
	fail   map[byte]bool
	resets int
	calls  int
}

func (f *fakeCodec) Decode(h FrameHeader, frame []byte) ([][2]float64, error) {
	f.calls++
	marker := frame[HeaderSize]
	if f.fail[marker] {
		return nil, errors.New("corrupt frame")
	}
	out := make([][2]float64, h.Samples)
	for i := range out {
		out[i] = [2]float64{float64(marker), float64(i)}
	}
	return out, nil
}

func (f *fakeCodec) Reset() { f.resets++ }

func TestParseFrameHeader(t *testing.T) {
	tests := []struct {
		name       string
		header     []byte
		wantErr    bool
		version    MPEGVersion
		bitrate    int
		sampleRate int
		length     int
		samples    int
		channels   int
	}{
		{"MPEG1 128k 44.1k", []byte{0xFF, 0xFB, 0x90, 0x00}, false, MPEG1, 128, 44100, 417, 1152, 2},
		{"MPEG1 padded", []byte{0xFF, 0xFB, 0x92, 0x00}, false, MPEG1, 128, 44100, 418, 1152, 2},
		{"MPEG1 320k 48k", []byte{0xFF, 0xFB, 0xE4, 0x00}, false, MPEG1, 320, 48000, 960, 1152, 2},
		{"MPEG1 mono", []byte{0xFF, 0xFB, 0x90, 0xC0}, false, MPEG1, 128, 44100, 417, 1152, 1},
		{"MPEG2 80k 22.05k", []byte{0xFF, 0xF3, 0x90, 0x00}, false, MPEG2, 80, 22050, 261, 576, 2},
		{"MPEG2.5 8k 8k", []byte{0xFF, 0xE3, 0x18, 0x00}, false, MPEG25, 8, 8000, 72, 576, 2},
		{"No sync", []byte{0x00, 0xFB, 0x90, 0x00}, true, 0, 0, 0, 0, 0, 0},
		{"Reserved version", []byte{0xFF, 0xEB, 0x90, 0x00}, true, 0, 0, 0, 0, 0, 0},
		{"Layer I", []byte{0xFF, 0xFF, 0x90, 0x00}, true, 0, 0, 0, 0, 0, 0},
		{"Free bitrate", []byte{0xFF, 0xFB, 0x00, 0x00}, true, 0, 0, 0, 0, 0, 0},
		{"Bad bitrate", []byte{0xFF, 0xFB, 0xF0, 0x00}, true, 0, 0, 0, 0, 0, 0},
		{"Bad sample rate", []byte{0xFF, 0xFB, 0x9C, 0x00}, true, 0, 0, 0, 0, 0, 0},
		{"Short", []byte{0xFF, 0xFB}, true, 0, 0, 0, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := ParseFrameHeader(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFrameHeader() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if h.Version != tt.version || h.Bitrate != tt.bitrate || h.SampleRate != tt.sampleRate {
				t.Errorf("header = %+v", h)
			}
			if h.Length != tt.length {
				t.Errorf("Length = %d, want %d", h.Length, tt.length)
			}
			if h.Samples != tt.samples {
				t.Errorf("Samples = %d, want %d", h.Samples, tt.samples)
			}
			if h.Channels != tt.channels {
				t.Errorf("Channels = %d, want %d", h.Channels, tt.channels)
			}
		})
	}
}

func TestID3v2Size(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		size     int
		complete bool
	}{
		{"Not a tag", []byte{0xFF, 0xFB, 0x90, 0x00}, 0, true},
		{"Partial magic", []byte("ID"), 0, false},
		{"Partial header", []byte("ID3\x03\x00"), 0, false},
		{"Tag", makeTag(20)[:10], 30, true},
		{"Syncsafe size", makeTag(300)[:10], 310, true},
		{"Footer", []byte{'I', 'D', '3', 4, 0, 0x10, 0, 0, 0, 5}, 25, true},
		{"Invalid syncsafe byte", []byte{'I', 'D', '3', 3, 0, 0, 0x80, 0, 0, 0}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, complete := id3v2Size(tt.data)
			if size != tt.size || complete != tt.complete {
				t.Errorf("id3v2Size() = (%d, %v), want (%d, %v)", size, complete, tt.size, tt.complete)
			}
		})
	}
}

// testStream is a tag, leading garbage, frames with a garbage run between
// them, and trailing garbage.
func testStream() ([]byte, int) {
	var b bytes.Buffer
	b.Write(makeTag(20))
	b.Write([]byte{0x01, 0x02, 0x03, 0x7F, 0x00})

	frames := 0
	for i := 0; i < 12; i++ {
		b.Write(makeFrame(byte(0x10 + i)))
		frames++
		if i == 5 {
			b.Write([]byte{0x42, 0x42, 0x42})
		}
	}
	b.Write([]byte{0x11, 0x22})
	return b.Bytes(), frames
}

func decodeOneShot(data []byte) [][2]float64 {
	d := New(&fakeCodec{}, Options{})
	d.Write(data)
	return d.Decode(true)
}

func decodeIncremental(data []byte, chunk int) [][2]float64 {
	d := New(&fakeCodec{}, Options{})
	var out [][2]float64
	for start := 0; start < len(data); start += chunk {
		end := min(start+chunk, len(data))
		out = append(out, d.Feed(data[start:end])...)
	}
	return append(out, d.Decode(true)...)
}

func TestIncrementalMatchesOneShot(t *testing.T) {
	data, frames := testStream()

	want := decodeOneShot(data)
	if len(want) != frames*1152 {
		t.Fatalf("one-shot decoded %d samples, want %d", len(want), frames*1152)
	}

	for _, chunk := range []int{1, 3, 7, 100, 416, 417, 418, 1000, 4096, len(data)} {
		got := decodeIncremental(data, chunk)
		if len(got) != len(want) {
			t.Errorf("chunk %d: decoded %d samples, want %d", chunk, len(got), len(want))
			continue
		}
		for i := range got {
			if got[i] != want[i] {
				t.Errorf("chunk %d: sample %d = %v, want %v", chunk, i, got[i], want[i])
				break
			}
		}
	}
}

func TestDecodeNeverRedecodes(t *testing.T) {
	codec := &fakeCodec{}
	d := New(codec, Options{})

	for i := 0; i < 5; i++ {
		d.Feed(makeFrame(byte(0x20 + i)))
	}

	// Repeated calls with no new bytes must not produce anything.
	if extra := d.Decode(false); len(extra) != 0 {
		t.Errorf("Decode() with no new bytes returned %d samples", len(extra))
	}
	before := codec.calls
	d.Decode(true)
	d.Decode(true)
	if codec.calls != before {
		t.Errorf("codec invoked %d extra times after everything was decoded", codec.calls-before)
	}
	if before != 5 {
		t.Errorf("codec invoked %d times for 5 frames", before)
	}
	if d.Frames() != 5 {
		t.Errorf("Frames() = %d, want 5", d.Frames())
	}
	if d.Buffer().Processed() != d.Buffer().Len() {
		t.Errorf("processed %d of %d bytes", d.Buffer().Processed(), d.Buffer().Len())
	}
}

func TestDecodeSkipsCorruptFrame(t *testing.T) {
	codec := &fakeCodec{fail: map[byte]bool{0x33: true}}
	d := New(codec, Options{})

	var data []byte
	for _, m := range []byte{0x31, 0x32, 0x33, 0x34, 0x35} {
		data = append(data, makeFrame(m)...)
	}

	d.Write(data)
	out := d.Decode(true)

	if len(out) != 4*1152 {
		t.Fatalf("decoded %d samples, want %d", len(out), 4*1152)
	}
	markers := map[float64]bool{}
	for _, s := range out {
		markers[s[0]] = true
	}
	if markers[0x33] || !markers[0x34] || !markers[0x35] {
		t.Errorf("unexpected frames decoded: %v", markers)
	}
	if d.Errors() == 0 {
		t.Error("Errors() = 0, want corrupt frame counted")
	}
	if codec.resets == 0 {
		t.Error("codec should be reset after a decode failure")
	}
}

func TestDecodeWaitsForCompleteFrame(t *testing.T) {
	d := New(&fakeCodec{}, Options{})
	frame := makeFrame(0x10)

	if out := d.Feed(frame[:200]); len(out) != 0 {
		t.Fatalf("partial frame decoded %d samples", len(out))
	}
	if d.Buffer().Processed() != 0 {
		t.Errorf("Processed() = %d, want 0", d.Buffer().Processed())
	}

	if out := d.Feed(frame[200:]); len(out) != 0 {
		t.Fatalf("unconfirmed first frame decoded %d samples", len(out))
	}
	if out := d.Feed(makeFrame(0x11)[:HeaderSize]); len(out) != 1152 {
		t.Errorf("confirmed frame decoded %d samples, want 1152", len(out))
	}
}

func TestDecodeSkipsLargeTag(t *testing.T) {
	d := New(&fakeCodec{}, Options{MaxTagBytes: 100})

	data := makeTag(2000)
	data = append(data, makeFrame(0x10)...)
	data = append(data, makeFrame(0x11)...)

	var out [][2]float64
	for start := 0; start < len(data); start += 256 {
		out = append(out, d.Feed(data[start:min(start+256, len(data))])...)
	}
	out = append(out, d.Decode(true)...)

	if len(out) != 2*1152 {
		t.Errorf("decoded %d samples, want %d", len(out), 2*1152)
	}
}

func TestDecoderTrimsBuffer(t *testing.T) {
	d := New(&fakeCodec{}, Options{CapBytes: 2000, RetainBytes: 800})

	total := 0
	for i := 0; i < 20; i++ {
		total += len(d.Feed(makeFrame(byte(0x10 + i%16))))
		if d.Buffer().Len() > 2000 {
			t.Fatalf("buffer grew to %d bytes", d.Buffer().Len())
		}
	}
	total += len(d.Decode(true))

	if total != 20*1152 {
		t.Errorf("decoded %d samples, want %d", total, 20*1152)
	}
	if d.Buffer().Trims() == 0 {
		t.Error("expected the buffer to be trimmed")
	}
	if d.Buffer().StreamOffset() != int64(20*testFrameLen) {
		t.Errorf("StreamOffset() = %d, want %d", d.Buffer().StreamOffset(), 20*testFrameLen)
	}
	if d.SampleRate() != 44100 {
		t.Errorf("SampleRate() = %d", d.SampleRate())
	}
}

func TestFeedReader(t *testing.T) {
	f := &feedReader{}

	if n, err := f.Read(make([]byte, 4)); n != 0 || err != io.EOF {
		t.Errorf("empty Read() = (%d, %v), want (0, EOF)", n, err)
	}

	f.buf.Write([]byte{1, 2, 3})
	p := make([]byte, 4)
	n, err := f.Read(p)
	if n != 3 || err != nil {
		t.Errorf("Read() = (%d, %v), want (3, nil)", n, err)
	}

	if _, ok := any(f).(io.Seeker); ok {
		t.Error("feedReader must not implement io.Seeker")
	}
}

func silentStream(frames int) []byte {
	var b bytes.Buffer
	for i := 0; i < frames; i++ {
		f := make([]byte, testFrameLen)
		copy(f, testHeader)
		b.Write(f)
	}
	return b.Bytes()
}

func TestMP3CodecIncremental(t *testing.T) {
	data := silentStream(200)

	tests := []struct {
		name   string
		start  int
		frames int
	}{
		{"Frame aligned", 0, 200},
		{"Unaligned mid-stream start", 50*testFrameLen + 123, 149},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := data[tt.start:]

			oneShot := New(NewMP3Codec(), Options{})
			oneShot.Write(input)
			want := oneShot.Decode(true)

			d := New(NewMP3Codec(), Options{})
			var got [][2]float64
			for start := 0; start < len(input); start += 1000 {
				end := min(start+1000, len(input))
				got = append(got, d.Feed(input[start:end])...)
			}
			got = append(got, d.Decode(true)...)

			if d.Frames() != tt.frames || d.Errors() != 0 {
				t.Errorf("frames = %d errors = %d, want %d and 0", d.Frames(), d.Errors(), tt.frames)
			}
			if len(got) != tt.frames*1152 {
				t.Errorf("decoded %d samples, want %d", len(got), tt.frames*1152)
			}
			if len(got) != len(want) {
				t.Fatalf("incremental decoded %d samples, one-shot %d", len(got), len(want))
			}
			for i := range got {
				if got[i] != want[i] {
					t.Fatalf("sample %d = %v, one-shot %v", i, got[i], want[i])
				}
			}
		})
	}
}
