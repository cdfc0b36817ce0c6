// The mtp package defines the PTP/PIMA 15740 wire format as used over
// USB bulk pipes: container framing, the code tables, and the dataset
// encoding (UTF-16 strings, MTP timestamps, counted arrays) shared by
// both sides of the protocol.
package mtp

import (
	"fmt"
	"io"
	"time"
)

// Container is one framed command or response: an operation or response
// code plus up to five u32 parameters, tagged with the transaction it
// belongs to.
type Container struct {
	Code          uint16
	SessionID     uint32
	TransactionID uint32
	Param         []uint32
}

// RCError is a PTP response code carried as a Go error.
type RCError uint16

func (e RCError) Error() string {
	n, ok := RC_names[int(e)]
	if ok {
		return n
	}
	return fmt.Sprintf("RetCode %x", uint16(e))
}

// SyncError indicates lost transaction synchronization: phases arriving
// out of order or tagged with the wrong transaction ID.
type SyncError string

func (s SyncError) Error() string {
	return string(s)
}

type DeviceInfo struct {
	StandardVersion           uint16
	MTPVendorExtensionID      uint32
	MTPVersion                uint16
	MTPExtension              string
	FunctionalMode            uint16
	OperationsSupported       []uint16
	EventsSupported           []uint16
	DevicePropertiesSupported []uint16
	CaptureFormats            []uint16
	PlaybackFormats           []uint16
	Manufacturer              string
	Model                     string
	DeviceVersion             string
	SerialNumber              string
}

type StorageInfo struct {
	StorageType        uint16
	FilesystemType     uint16
	AccessCapability   uint16
	MaxCapability      uint64
	FreeSpaceInBytes   uint64
	FreeSpaceInImages  uint32
	StorageDescription string
	VolumeLabel        string
}

func (d *StorageInfo) IsHierarchical() bool {
	return d.FilesystemType == FST_GenericHierarchical
}

func (d *StorageInfo) IsRemovable() bool {
	return (d.StorageType == ST_RemovableROM ||
		d.StorageType == ST_RemovableRAM ||
		d.StorageType == ST_RemovableMedia)
}

type ObjectInfo struct {
	StorageID           uint32
	ObjectFormat        uint16
	ProtectionStatus    uint16
	CompressedSize      uint32
	ThumbFormat         uint16
	ThumbCompressedSize uint32
	ThumbPixWidth       uint32
	ThumbPixHeight      uint32
	ImagePixWidth       uint32
	ImagePixHeight      uint32
	ImageBitDepth       uint32
	ParentObject        uint32
	AssociationType     uint16
	AssociationDesc     uint32
	SequenceNumber      uint32
	Filename            string
	CaptureDate         time.Time
	ModificationDate    time.Time
	Keywords            string
}

type Uint32Array struct {
	Values []uint32
}

type Uint16Array struct {
	Values []uint16
}

type Uint64Value struct {
	Value uint64
}

type StringValue struct {
	Value string
}

// The Decoder/Encoder interfaces are for datasets that need special
// handling beyond the field-by-field reflection codec.
type Decoder interface {
	Decode(r io.Reader) error
}

type Encoder interface {
	Encode(w io.Writer) error
}

// USB framing.

type usbBulkHeader struct {
	Length        uint32
	Type          uint16
	Code          uint16
	TransactionID uint32
}

const HeaderSize = 2*2 + 2*4

// PTP allows at most five parameters per command or response block.
const MaxParams = 5
