package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

const defaultSampleRate = 16000

// wavHeader is the canonical 44-byte header of a mono PCM16LE clip with a
// single fmt and data chunk.
type wavHeader struct {
	RIFF          [4]byte
	RIFFSize      uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

func newWAVHeader(dataLen, sampleRate int) wavHeader {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	return wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		RIFFSize:      uint32(36 + dataLen),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(dataLen),
	}
}

// ToneWAV renders a mono sine tone as a PCM16LE WAV clip. The stand-in task
// API serves one as the voice of every generated line.
func ToneWAV(d time.Duration, sampleRate int, freq, amplitude float64) ([]byte, error) {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	if amplitude < 0 || amplitude > 1 {
		return nil, fmt.Errorf("tone amplitude %v outside [0,1]", amplitude)
	}
	n := int(d.Seconds() * float64(sampleRate))
	pcm := make([]byte, n*2)
	step := 2 * math.Pi * freq / float64(sampleRate)
	for i := range n {
		v := math.Round(math.Sin(step*float64(i)) * amplitude * math.MaxInt16)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return EncodeWAVPCM16LE(pcm, sampleRate)
}

// EncodeWAVPCM16LE wraps mono PCM16LE samples in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	if err := writeWAV(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes mono PCM16LE samples to path as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeWAV(f, pcm, sampleRate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeWAV(out io.Writer, pcm []byte, sampleRate int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm16 payload has odd length %d", len(pcm))
	}
	if err := binary.Write(out, binary.LittleEndian, newWAVHeader(len(pcm), sampleRate)); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}
