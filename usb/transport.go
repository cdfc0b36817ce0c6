// Package usb is the thin shim over the external USB device stack's
// bulk endpoint primitives. The protocol engine only sees the Transport
// interface; descriptor negotiation and enumeration live outside this
// repository.
package usb

import (
	"io"
	"time"

	"github.com/paulbellamy/ratecounter"
	"go.uber.org/atomic"

	"github.com/andrewleech/go-mtpd/log"
)

// The USB full/high speed stacks this targets deliver bulk payloads in
// 512-byte packets.
const PacketSize = 512

// Transport is the device end of a bulk pipe pair. Read consumes the
// bulk OUT stream (host to device), Write feeds the bulk IN stream.
type Transport interface {
	io.Reader
	io.Writer
	Close() error
}

// Endpoints wraps raw bulk endpoint streams with MTU chunking, byte
// accounting and optional data tracing.
type Endpoints struct {
	bulkOut io.Reader
	bulkIn  io.Writer

	mtu int

	rxRate  *ratecounter.RateCounter
	txRate  *ratecounter.RateCounter
	rxBytes *atomic.Int64
	txBytes *atomic.Int64

	log *log.ChildLogger
}

// Open builds Endpoints over a bulk OUT reader and bulk IN writer. mtu
// bounds the size of a single write toward the USB stack; zero means
// PacketSize.
func Open(out io.Reader, in io.Writer, mtu int, lg *log.ChildLogger) *Endpoints {
	if mtu <= 0 {
		mtu = PacketSize
	}
	return &Endpoints{
		bulkOut: out,
		bulkIn:  in,
		mtu:     mtu,
		rxRate:  ratecounter.NewRateCounter(time.Second),
		txRate:  ratecounter.NewRateCounter(time.Second),
		rxBytes: atomic.NewInt64(0),
		txBytes: atomic.NewInt64(0),
		log:     lg,
	}
}

func (e *Endpoints) Read(p []byte) (int, error) {
	n, err := e.bulkOut.Read(p)
	if n > 0 {
		e.rxRate.Incr(int64(n))
		e.rxBytes.Add(int64(n))
		e.trace("recv", p[:n])
	}
	return n, err
}

// Write sends p in mtu-sized chunks. The USB stack below may split
// further into packets; this bound keeps a single submission small.
func (e *Endpoints) Write(p []byte) (int, error) {
	if len(p) == 0 {
		// A zero-length write is a real bulk transaction: it marks the
		// end of a transfer that fell on a packet boundary.
		_, err := e.bulkIn.Write(nil)
		return 0, err
	}
	var n int
	for len(p) > 0 {
		chunk := p
		if len(chunk) > e.mtu {
			chunk = p[:e.mtu]
		}
		m, err := e.bulkIn.Write(chunk)
		n += m
		if m > 0 {
			e.txRate.Incr(int64(m))
			e.txBytes.Add(int64(m))
			e.trace("send", chunk[:m])
		}
		if err != nil {
			return n, err
		}
		p = p[m:]
	}
	return n, nil
}

// Rates reports bytes per second over the last second, receive then
// transmit.
func (e *Endpoints) Rates() (rx, tx int64) {
	return e.rxRate.Rate(), e.txRate.Rate()
}

// Totals reports bytes moved since Open, receive then transmit.
func (e *Endpoints) Totals() (rx, tx int64) {
	return e.rxBytes.Load(), e.txBytes.Load()
}

func (e *Endpoints) Close() error {
	var err error
	if c, ok := e.bulkOut.(io.Closer); ok {
		err = c.Close()
	}
	if c, ok := e.bulkIn.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (e *Endpoints) trace(dir string, data []byte) {
	if e.log == nil || !e.log.IsDebug() {
		return
	}
	e.log.Debugf("%s 0x%x bytes", dir, len(data))
}

// Loopback returns a connected transport pair: what one side writes the
// other reads. Used by tests and the TCP-less demo mode.
func Loopback(mtu int) (a, b *Endpoints) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a = Open(ar, aw, mtu, nil)
	b = Open(br, bw, mtu, nil)
	return a, b
}
