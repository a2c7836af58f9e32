package acoustic

import (
	"encoding/binary"
	"errors"

	"gopkg.in/hraban/opus.v2"
)

// ErrTruncatedWaveform is returned when a captured waveform ends before a
// complete frame could be read out of it.
var ErrTruncatedWaveform = errors.New("acoustic: truncated waveform")

// Codec turns a packet's encoded bytes into a waveform ready for playback
// and back again. It is the seam a real ggwave binding would implement;
// opusCodec below is a domain-grounded stand-in (no Go ggwave binding
// exists anywhere in the retrieval pack).
type Codec interface {
	Encode(payload []byte) ([]float32, error)
	Decode(samples []float32) ([]byte, error)
}

// opusCodec frames an arbitrary byte payload as a sequence of
// length-prefixed Opus frames over synthetic PCM, then renders the frame
// bytes as a float32 waveform the same way AudioEngine exchanges samples
// with PortAudio. It carries no real acoustic meaning — it exists so the
// transport has a working default without a ggwave dependency.
type opusCodec struct {
	sampleRate int
	channels   int
}

func newOpusCodec(sampleRate int) *opusCodec {
	return &opusCodec{sampleRate: sampleRate, channels: 1}
}

func (c *opusCodec) Encode(payload []byte) ([]float32, error) {
	enc, err := opus.NewEncoder(c.sampleRate, c.channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	padded := append(header, payload...)

	var out []byte
	pcm := make([]int16, pcmChunkSamples)
	opusBuf := make([]byte, opusMaxFrameBytes)
	for off := 0; off < len(padded); off += pcmChunkSamples * 2 {
		end := off + pcmChunkSamples*2
		if end > len(padded) {
			end = len(padded)
		}
		bytesToPCM(padded[off:end], pcm)
		n, err := enc.Encode(pcm, opusBuf)
		if err != nil {
			return nil, err
		}
		frameHeader := make([]byte, 2)
		binary.BigEndian.PutUint16(frameHeader, uint16(n))
		out = append(out, frameHeader...)
		out = append(out, opusBuf[:n]...)
	}
	return bytesToSamples(out), nil
}

func (c *opusCodec) Decode(samples []float32) ([]byte, error) {
	dec, err := opus.NewDecoder(c.sampleRate, c.channels)
	if err != nil {
		return nil, err
	}
	frameBytes := samplesToBytes(samples)

	var decodedPCM []byte
	pcm := make([]int16, pcmChunkSamples)
	for off := 0; off < len(frameBytes); {
		if off+2 > len(frameBytes) {
			return nil, ErrTruncatedWaveform
		}
		frameLen := int(binary.BigEndian.Uint16(frameBytes[off : off+2]))
		off += 2
		if off+frameLen > len(frameBytes) {
			return nil, ErrTruncatedWaveform
		}
		n, err := dec.Decode(frameBytes[off:off+frameLen], pcm)
		if err != nil {
			return nil, err
		}
		decodedPCM = append(decodedPCM, pcmToBytes(pcm[:n])...)
		off += frameLen
	}

	if len(decodedPCM) < 4 {
		return nil, ErrTruncatedWaveform
	}
	payloadLen := int(binary.BigEndian.Uint32(decodedPCM[:4]))
	if 4+payloadLen > len(decodedPCM) {
		return nil, ErrTruncatedWaveform
	}
	return decodedPCM[4 : 4+payloadLen], nil
}

// bytesToPCM packs raw bytes two-per-sample into pcm, zero-padding any
// remainder so the encoder always sees a full frame.
func bytesToPCM(b []byte, pcm []int16) {
	for i := range pcm {
		lo := i * 2
		if lo >= len(b) {
			pcm[i] = 0
			continue
		}
		hi := lo + 1
		if hi >= len(b) {
			pcm[i] = int16(b[lo])
			continue
		}
		pcm[i] = int16(b[lo]) | int16(b[hi])<<8
	}
}

func pcmToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// bytesToSamples and samplesToBytes move frame bytes in and out of the
// float32 waveform domain the audio stream actually carries, the same
// normalization AudioEngine applies between int16 PCM and the stream's
// float32 buffers.
func bytesToSamples(b []byte) []float32 {
	out := make([]float32, len(b))
	for i, v := range b {
		out[i] = (float32(v) - 128) / 128
	}
	return out
}

func samplesToBytes(samples []float32) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		v := int32(s*128 + 128)
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		out[i] = byte(v)
	}
	return out
}
