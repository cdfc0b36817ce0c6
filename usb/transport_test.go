package usb

import (
	"bytes"
	"io"
	"testing"
)

func TestLoopback(t *testing.T) {
	a, b := Loopback(PacketSize)
	defer a.Close()
	defer b.Close()

	msg := []byte("hello over the bulk pipe")
	go func() {
		if _, err := a.Write(msg); err != nil {
			t.Errorf("write: %v", err)
		}
	}()

	got := make([]byte, len(msg))
	if _, err := io.ReadFull(b, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("got %q, want %q", got, msg)
	}

	_, atx := a.Totals()
	brx, _ := b.Totals()
	if atx != int64(len(msg)) || brx != int64(len(msg)) {
		t.Errorf("totals tx %d rx %d, want %d", atx, brx, len(msg))
	}
}

func TestWriteChunksToMTU(t *testing.T) {
	a, b := Loopback(4)
	defer a.Close()
	defer b.Close()

	msg := []byte("0123456789")
	go func() {
		n, err := a.Write(msg)
		if err != nil || n != len(msg) {
			t.Errorf("write: n %d err %v", n, err)
		}
	}()

	// Each underlying pipe write carries at most the mtu.
	got := make([]byte, 0, len(msg))
	buf := make([]byte, 16)
	for len(got) < len(msg) {
		n, err := b.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if n > 4 {
			t.Errorf("chunk of %d bytes exceeds mtu", n)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("got %q, want %q", got, msg)
	}
}

func TestZeroLengthWrite(t *testing.T) {
	a, b := Loopback(PacketSize)
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		_, err := a.Write(nil)
		done <- err
	}()

	buf := make([]byte, 8)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 0 {
		t.Errorf("read %d bytes, want a zero-length packet", n)
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}
}
