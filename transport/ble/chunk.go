package ble

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxChunkSize is the payload split threshold and per-frame data size
// (spec §4.4: "payloads > ~180 bytes").
const maxChunkSize = 180

// xferBufferTTL garbage-collects an abandoned reassembly buffer.
const xferBufferTTL = 30 * time.Second

// splitChunks frames an encoded packet into "CHUNK:<xfer>:<index>:<data>"
// messages followed by one "END:<xfer>:<total>" terminator. Payloads at
// or under maxChunkSize are sent as a single chunk.
func splitChunks(xferID string, data []byte) []string {
	if len(data) == 0 {
		return []string{fmt.Sprintf("END:%s:0", xferID)}
	}
	var frames []string
	index := 0
	for i := 0; i < len(data); i += maxChunkSize {
		end := i + maxChunkSize
		if end > len(data) {
			end = len(data)
		}
		frames = append(frames, fmt.Sprintf("CHUNK:%s:%d:%s", xferID, index, string(data[i:end])))
		index++
	}
	frames = append(frames, fmt.Sprintf("END:%s:%d", xferID, index))
	return frames
}

type xferBuffer struct {
	chunks    map[int][]byte
	createdAt time.Time
}

// reassembler buffers chunked transfers by xfer_id until a matching END
// terminator arrives with every sequential index 0..N-1 present. Missing
// or duplicate indices, or a repeated END, discard the buffer silently
// (spec §4.4).
type reassembler struct {
	mu      sync.Mutex
	buffers map[string]*xferBuffer
	now     func() time.Time
}

func newReassembler(now func() time.Time) *reassembler {
	if now == nil {
		now = time.Now
	}
	return &reassembler{buffers: make(map[string]*xferBuffer), now: now}
}

// feed parses one received line. Returns (payload, true) once a transfer
// completes successfully.
func (r *reassembler) feed(line string) ([]byte, bool) {
	switch {
	case strings.HasPrefix(line, "CHUNK:"):
		r.handleChunk(line)
	case strings.HasPrefix(line, "END:"):
		return r.handleEnd(line)
	}
	return nil, false
}

func (r *reassembler) handleChunk(line string) {
	parts := strings.SplitN(line, ":", 4)
	if len(parts) != 4 {
		return
	}
	xferID, indexStr, data := parts[1], parts[2], parts[3]
	index, err := strconv.Atoi(indexStr)
	if err != nil || index < 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[xferID]
	if !ok {
		buf = &xferBuffer{chunks: make(map[int][]byte), createdAt: r.now()}
		r.buffers[xferID] = buf
	}
	if _, dup := buf.chunks[index]; dup {
		// Duplicate index: discard the whole buffer (spec §4.4).
		delete(r.buffers, xferID)
		return
	}
	buf.chunks[index] = []byte(data)
}

func (r *reassembler) handleEnd(line string) ([]byte, bool) {
	parts := strings.SplitN(line, ":", 3)
	if len(parts) != 3 {
		return nil, false
	}
	xferID, totalStr := parts[1], parts[2]
	total, err := strconv.Atoi(totalStr)
	if err != nil || total < 0 {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[xferID]
	if !ok {
		if total == 0 {
			// A zero-length payload transfer with no prior CHUNK frames.
			delete(r.buffers, xferID)
			return []byte{}, true
		}
		return nil, false
	}
	if len(buf.chunks) != total {
		delete(r.buffers, xferID)
		return nil, false
	}
	var out []byte
	for i := 0; i < total; i++ {
		chunk, ok := buf.chunks[i]
		if !ok {
			delete(r.buffers, xferID)
			return nil, false
		}
		out = append(out, chunk...)
	}
	delete(r.buffers, xferID)
	return out, true
}

// gc drops reassembly buffers older than xferBufferTTL.
func (r *reassembler) gc() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for id, buf := range r.buffers {
		if now.Sub(buf.createdAt) > xferBufferTTL {
			delete(r.buffers, id)
		}
	}
}
