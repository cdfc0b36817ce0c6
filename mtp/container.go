package mtp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FrameError reports a container that cannot be parsed at all. The
// receiver drops the bytes and resynchronizes on the next command.
type FrameError string

func (e FrameError) Error() string {
	return "mtp: frame: " + string(e)
}

const (
	ErrTruncated = FrameError("container shorter than 12-byte header")
	ErrMalformed = FrameError("parameter block length not a multiple of 4")
)

// Header is the decoded fixed part of a bulk container.
type Header struct {
	Length        uint32
	Type          uint16
	Code          uint16
	TransactionID uint32
}

// DecodeHeader parses the fixed 12-byte container header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrTruncated
	}
	return Header{
		Length:        byteOrder.Uint32(b[0:]),
		Type:          byteOrder.Uint16(b[4:]),
		Code:          byteOrder.Uint16(b[6:]),
		TransactionID: byteOrder.Uint32(b[8:]),
	}, nil
}

// ParamCount derives the number of u32 parameters from the declared
// length. A remainder means the peer framed the block wrong.
func (h Header) ParamCount() (int, error) {
	if h.Length < HeaderSize {
		return 0, ErrTruncated
	}
	rest := int(h.Length) - HeaderSize
	if rest%4 != 0 {
		return 0, ErrMalformed
	}
	return rest / 4, nil
}

// DataLength is the payload size following the header of a data-phase
// container.
func (h Header) DataLength() int64 {
	if h.Length < HeaderSize {
		return 0
	}
	return int64(h.Length) - HeaderSize
}

func (h Header) String() string {
	return fmt.Sprintf("%s %s tid 0x%x len 0x%x",
		getName(USB_names, int(h.Type)), getName(OC_names, int(h.Code)),
		h.TransactionID, h.Length)
}

// DecodeContainer parses a complete command or response container,
// header plus parameter block.
func DecodeContainer(b []byte) (typ uint16, c Container, err error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return 0, Container{}, err
	}
	n, err := h.ParamCount()
	if err != nil {
		return 0, Container{}, err
	}
	if n > MaxParams {
		return 0, Container{}, FrameError(fmt.Sprintf("%d parameters, want at most %d", n, MaxParams))
	}
	if len(b) < int(h.Length) {
		return 0, Container{}, ErrTruncated
	}

	c.Code = h.Code
	c.TransactionID = h.TransactionID
	for i := 0; i < n; i++ {
		c.Param = append(c.Param, byteOrder.Uint32(b[HeaderSize+4*i:]))
	}
	return h.Type, c, nil
}

// DecodeParams unpacks a raw parameter block, four bytes per parameter.
func DecodeParams(b []byte) []uint32 {
	var out []uint32
	for len(b) >= 4 {
		out = append(out, byteOrder.Uint32(b))
		b = b[4:]
	}
	return out
}

// EncodeContainer frames a command or response container. The declared
// length is exactly header plus parameter block.
func EncodeContainer(typ uint16, c *Container) []byte {
	hdr := usbBulkHeader{
		Length:        uint32(HeaderSize + 4*len(c.Param)),
		Type:          typ,
		Code:          c.Code,
		TransactionID: c.TransactionID,
	}

	buf := bytes.NewBuffer(make([]byte, 0, hdr.Length))
	binary.Write(buf, byteOrder, hdr)
	for _, p := range c.Param {
		binary.Write(buf, byteOrder, p)
	}
	return buf.Bytes()
}

// EncodeDataHeader frames the header of a data-phase container carrying
// size payload bytes. Sizes that overflow the length field are pinned to
// 0xFFFFFFFF, as initiators do for >4G objects.
func EncodeDataHeader(code uint16, tid uint32, size int64) []byte {
	hdr := usbBulkHeader{
		Type:          USB_CONTAINER_DATA,
		Code:          code,
		TransactionID: tid,
	}
	if size+HeaderSize > 0xFFFFFFFF {
		hdr.Length = 0xFFFFFFFF
	} else {
		hdr.Length = uint32(size + HeaderSize)
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize))
	binary.Write(buf, byteOrder, hdr)
	return buf.Bytes()
}
