package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

var (
	ErrUnsupportedSource = errors.New("unsupported audio source")
	ErrDecode            = errors.New("audio decode failed")
	ErrNetwork           = errors.New("audio fetch failed")
)

type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
	FormatOgg Format = "ogg"
)

// compressedBitrate is the assumed bitrate when estimating compressed clip
// length from file size.
const compressedBitrate = 128_000

type Info struct {
	Format   Format
	Duration time.Duration
	Bytes    int64
}

// ProbeFile identifies the container of a local clip and derives its duration.
func ProbeFile(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return Info{}, err
	}
	return Probe(f, st.Size())
}

// Probe reads enough of r to classify the clip. size is the total byte length.
func Probe(r io.Reader, size int64) (Info, error) {
	head := make([]byte, 12)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return Info{}, fmt.Errorf("%w: empty clip", ErrDecode)
		}
		return Info{}, err
	}
	head = head[:n]

	switch {
	case len(head) >= 12 && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")):
		d, err := wavDuration(r)
		if err != nil {
			return Info{}, err
		}
		return Info{Format: FormatWAV, Duration: d, Bytes: size}, nil
	case len(head) >= 3 && bytes.Equal(head[:3], []byte("ID3")),
		len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return Info{Format: FormatMP3, Duration: estimate(size), Bytes: size}, nil
	case len(head) >= 4 && bytes.Equal(head[:4], []byte("OggS")):
		return Info{Format: FormatOgg, Duration: estimate(size), Bytes: size}, nil
	default:
		return Info{}, ErrUnsupportedSource
	}
}

func estimate(size int64) time.Duration {
	if size <= 0 {
		return 0
	}
	return time.Duration(float64(size*8) / compressedBitrate * float64(time.Second))
}

// wavDuration walks RIFF chunks after the WAVE tag until the data chunk.
func wavDuration(r io.Reader) (time.Duration, error) {
	var byteRate uint32
	hdr := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			return 0, fmt.Errorf("%w: missing data chunk", ErrDecode)
		}
		id := string(hdr[:4])
		size := binary.LittleEndian.Uint32(hdr[4:])
		switch id {
		case "fmt ":
			if size < 16 {
				return 0, fmt.Errorf("%w: short fmt chunk", ErrDecode)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return 0, fmt.Errorf("%w: truncated fmt chunk", ErrDecode)
			}
			byteRate = binary.LittleEndian.Uint32(body[8:12])
			if size%2 == 1 {
				_, _ = io.CopyN(io.Discard, r, 1)
			}
		case "data":
			if byteRate == 0 {
				return 0, fmt.Errorf("%w: data before fmt", ErrDecode)
			}
			return time.Duration(float64(size) / float64(byteRate) * float64(time.Second)), nil
		default:
			skip := int64(size) + int64(size%2)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return 0, fmt.Errorf("%w: truncated %q chunk", ErrDecode, id)
			}
		}
	}
}
