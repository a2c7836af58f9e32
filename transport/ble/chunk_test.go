package ble

import (
	"bytes"
	"testing"
	"time"
)

func TestSplitAndReassembleRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 600)
	frames := splitChunks("xfer1", payload)

	r := newReassembler(time.Now)
	var got []byte
	var ok bool
	for _, f := range frames {
		got, ok = r.feed(f)
		if ok {
			break
		}
	}
	if !ok {
		t.Fatalf("expected reassembly to complete")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestReassembleOutOfOrder(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 600)
	frames := splitChunks("xfer2", payload)
	// frames = [CHUNK:0, CHUNK:1, CHUNK:2, CHUNK:3, END:4] for 600 bytes / 180
	reordered := []string{frames[1], frames[0], frames[2], frames[3], frames[4]}

	r := newReassembler(time.Now)
	var got []byte
	var ok bool
	for _, f := range reordered {
		got, ok = r.feed(f)
		if ok {
			break
		}
	}
	if !ok || !bytes.Equal(got, payload) {
		t.Fatalf("expected out-of-order reassembly to succeed")
	}
}

func TestReassembleMissingChunkNeverCompletes(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 600)
	frames := splitChunks("xfer3", payload)
	// Drop index 2.
	var missing []string
	for _, f := range frames {
		if f == frames[2] {
			continue
		}
		missing = append(missing, f)
	}

	r := newReassembler(time.Now)
	for _, f := range missing {
		if _, ok := r.feed(f); ok {
			t.Fatalf("expected no successful reassembly with a missing chunk")
		}
	}
}

func TestReassembleDuplicateIndexDiscardsBuffer(t *testing.T) {
	payload := []byte("short payload")
	frames := splitChunks("xfer4", payload)
	r := newReassembler(time.Now)
	// Feed chunk 0 twice before the terminator.
	r.feed(frames[0])
	r.feed(frames[0])
	for _, f := range frames[1:] {
		if _, ok := r.feed(f); ok {
			t.Fatalf("expected buffer discarded after duplicate index")
		}
	}
}

func TestReassembleSecondEndDiscarded(t *testing.T) {
	payload := []byte("abc")
	frames := splitChunks("xfer5", payload)
	r := newReassembler(time.Now)
	for _, f := range frames {
		r.feed(f)
	}
	// Completed transfer already removed the buffer; feeding END again
	// with no buffer present must not resurrect it.
	if _, ok := r.feed(frames[len(frames)-1]); ok {
		t.Fatalf("expected second END to not reassemble")
	}
}

func TestReassemblerGCExpiresStaleBuffers(t *testing.T) {
	base := time.Now()
	current := base
	clock := func() time.Time { return current }

	r := newReassembler(clock)
	payload := bytes.Repeat([]byte("w"), 600)
	frames := splitChunks("xfer6", payload)
	r.feed(frames[0]) // leave incomplete

	current = base.Add(31 * time.Second)
	r.gc()

	// Feeding the remaining frames now should not complete, because the
	// partial buffer was GC'd and restarts from empty.
	for _, f := range frames[1:] {
		if _, ok := r.feed(f); ok {
			t.Fatalf("expected stale buffer to have been GC'd before completion")
		}
	}
}
