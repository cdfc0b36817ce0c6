package mtp

import (
	"reflect"
	"testing"
)

func TestContainerRoundTrip(t *testing.T) {
	in := Container{
		Code:          OC_GetObjectHandles,
		TransactionID: 0x1234,
		Param:         []uint32{StorageID, 0, 0xFFFFFFFF},
	}
	b := EncodeContainer(USB_CONTAINER_COMMAND, &in)
	if len(b) != HeaderSize+12 {
		t.Fatalf("encoded length %d, want %d", len(b), HeaderSize+12)
	}

	typ, out, err := DecodeContainer(b)
	if err != nil {
		t.Fatalf("unexpected decode error %v", err)
	}
	if typ != USB_CONTAINER_COMMAND {
		t.Errorf("type %d, want command", typ)
	}
	if out.Code != in.Code || out.TransactionID != in.TransactionID {
		t.Errorf("got %+v, want %+v", out, in)
	}
	if !reflect.DeepEqual(out.Param, in.Param) {
		t.Errorf("params %v, want %v", out.Param, in.Param)
	}
}

func TestEncodeNoParams(t *testing.T) {
	c := Container{Code: OC_GetDeviceInfo, TransactionID: 1}
	b := EncodeContainer(USB_CONTAINER_COMMAND, &c)
	if len(b) != HeaderSize {
		t.Fatalf("encoded length %d, want bare header", len(b))
	}
	h, err := DecodeHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if n, err := h.ParamCount(); err != nil || n != 0 {
		t.Errorf("param count %d err %v, want 0", n, err)
	}
}

func TestDecodeHeaderTruncated(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	if err != ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}

func TestParamCountMalformed(t *testing.T) {
	h := Header{Length: HeaderSize + 5}
	if _, err := h.ParamCount(); err != ErrMalformed {
		t.Fatalf("got %v, want ErrMalformed", err)
	}

	h = Header{Length: HeaderSize - 1}
	if _, err := h.ParamCount(); err != ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}

func TestDecodeContainerTooManyParams(t *testing.T) {
	c := Container{Code: OC_OpenSession, TransactionID: 1}
	b := EncodeContainer(USB_CONTAINER_COMMAND, &c)
	// Declare 6 parameters the buffer does not carry.
	byteOrder.PutUint32(b[0:], HeaderSize+4*6)
	if _, _, err := DecodeContainer(b); err == nil {
		t.Fatal("expected an error for an oversized parameter block")
	}
}

func TestDataHeader(t *testing.T) {
	b := EncodeDataHeader(OC_GetObject, 7, 100)
	h, err := DecodeHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if h.Type != USB_CONTAINER_DATA || h.Code != OC_GetObject || h.TransactionID != 7 {
		t.Errorf("header %v", h)
	}
	if h.DataLength() != 100 {
		t.Errorf("payload length %d, want 100", h.DataLength())
	}
}

func TestDataHeaderHugeObject(t *testing.T) {
	b := EncodeDataHeader(OC_GetObject, 7, 5<<30)
	h, err := DecodeHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if h.Length != 0xFFFFFFFF {
		t.Errorf("length 0x%x, want pinned 0xFFFFFFFF", h.Length)
	}
}
