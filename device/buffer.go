package device

import (
	"io"

	"github.com/andrewleech/go-mtpd/usb"
)

// Object payloads stream through these fixed staging buffers, so peak
// memory per transfer is bounded by the configured sizes no matter how
// large the object is.

const DefaultBufSize = 4096

type phaseBuffer struct {
	buf []byte
}

func newPhaseBuffer(size int) *phaseBuffer {
	if size < usb.PacketSize {
		size = usb.PacketSize
	}
	return &phaseBuffer{buf: make([]byte, size)}
}

func (b *phaseBuffer) size() int {
	return len(b.buf)
}

// fill reads exactly n bytes from the transport into the staging
// buffer. n must not exceed the buffer size.
func (b *phaseBuffer) fill(t io.Reader, n int) ([]byte, error) {
	if n > len(b.buf) {
		n = len(b.buf)
	}
	_, err := io.ReadFull(t, b.buf[:n])
	if err != nil {
		return nil, err
	}
	return b.buf[:n], nil
}

// copyOut streams size bytes from r to the transport in buffer-sized
// chunks, returning the number of chunks moved.
func (b *phaseBuffer) copyOut(t io.Writer, r io.Reader, size int64) (chunks int64, err error) {
	for size > 0 {
		n := len(b.buf)
		if int64(n) > size {
			n = int(size)
		}
		if _, err := io.ReadFull(r, b.buf[:n]); err != nil {
			return chunks, err
		}
		if _, err := t.Write(b.buf[:n]); err != nil {
			return chunks, err
		}
		size -= int64(n)
		chunks++
	}
	return chunks, nil
}

// copyIn streams size bytes from the transport to w in buffer-sized
// chunks.
func (b *phaseBuffer) copyIn(t io.Reader, w io.Writer, size int64) (written int64, err error) {
	for size > 0 {
		n := len(b.buf)
		if int64(n) > size {
			n = int(size)
		}
		if _, err := io.ReadFull(t, b.buf[:n]); err != nil {
			return written, err
		}
		m, err := w.Write(b.buf[:n])
		written += int64(m)
		if err != nil {
			return written, err
		}
		size -= int64(n)
	}
	return written, nil
}

// discard drains and drops size bytes from the transport.
func (b *phaseBuffer) discard(t io.Reader, size int64) error {
	_, err := b.copyIn(t, io.Discard, size)
	return err
}

// needZLP reports whether a phase of total length n needs a trailing
// zero-length packet to mark its end on the bulk pipe.
func needZLP(n int64) bool {
	return n > 0 && n%usb.PacketSize == 0
}
