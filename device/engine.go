// Package device implements the responder side of the MTP protocol:
// the transaction state machine, the operation handlers, and the
// buffered movement of object data between the USB transport and the
// filesystem adapter.
package device

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/andrewleech/go-mtpd/log"
	"github.com/andrewleech/go-mtpd/mtp"
	"github.com/andrewleech/go-mtpd/storage"
	"github.com/andrewleech/go-mtpd/usb"
)

// Config is consumed at construction; the engine never re-reads it.
type Config struct {
	// Staging buffer sizes. Zero means DefaultBufSize.
	RxSize int
	TxSize int

	// Strings advertised in DeviceInfo and StorageInfo.
	Manufacturer       string
	Model              string
	DeviceVersion      string
	SerialNumber       string
	StorageDescription string
	VolumeLabel        string
}

type session struct {
	sid uint32
}

// transaction tracks one command through its phases.
type transaction struct {
	code     uint16
	tid      uint32
	params   []uint32
	bytes    int64
	respCode uint16
	started  time.Time
}

// pendingObject is the SendObjectInfo half of a two-step create.
type pendingObject struct {
	handle uint32
	parent uint32
	path   string
	size   uint32
}

// phase sequencing failures inside a transaction.
var (
	errPhase     error = mtp.SyncError("unexpected container in data phase")
	errStaleData error = mtp.SyncError("data phase for wrong transaction")
)

// Engine drives the transaction state machine over a single bulk pipe
// pair. MTP is strictly request-then-reply, so one goroutine owns the
// whole engine; there is never more than one transaction in flight.
type Engine struct {
	t   usb.Transport
	fs  storage.Filesystem
	ix  *storage.Index
	cfg Config
	log *log.Children
	obs Observer

	session *session
	pending *pendingObject

	rx *phaseBuffer
	tx *phaseBuffer
}

func New(t usb.Transport, fs storage.Filesystem, cfg Config, lg *log.Children, obs Observer) *Engine {
	if cfg.RxSize == 0 {
		cfg.RxSize = DefaultBufSize
	}
	if cfg.TxSize == 0 {
		cfg.TxSize = DefaultBufSize
	}
	if cfg.Model == "" {
		cfg.Model = "go-mtpd"
	}
	if lg == nil {
		lg = log.PrepareChildren(log.Root, false, false, false, false)
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Engine{
		t:   t,
		fs:  fs,
		ix:  storage.NewIndex(fs),
		cfg: cfg,
		log: lg,
		obs: obs,
		rx:  newPhaseBuffer(cfg.RxSize),
		tx:  newPhaseBuffer(cfg.TxSize),
	}
}

// Index exposes the object index for inspection; tests and the monitor
// use it, handlers own it.
func (e *Engine) Index() *storage.Index {
	return e.ix
}

// Serve processes transactions until the transport fails or ctx is
// cancelled. On return the machine is reset to Idle; the caller decides
// whether to reconnect.
func (e *Engine) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			e.reset()
			return err
		}
		err := e.serveOne()
		if err == nil {
			continue
		}
		var fe mtp.FrameError
		if errors.As(err, &fe) {
			// Drop the broken frame; resynchronize on the next command.
			e.log.MTP.Warningf("dropping frame: %v", err)
			continue
		}
		e.reset()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
			errors.Is(err, io.ErrClosedPipe) {
			e.log.MTP.Info("transport closed")
			return err
		}
		e.log.MTP.Errorf("transport: %v", err)
		return err
	}
}

// reset aborts the in-flight transaction and returns to Idle, as on a
// USB disconnect or reconfiguration.
func (e *Engine) reset() {
	if e.session != nil {
		e.session = nil
		e.obs.SessionChanged(false)
	}
	e.pending = nil
	e.ix.Clear()
	e.obs.ObjectsIndexed(0)
}

// serveOne runs a single transaction: command, optional data phase,
// response.
func (e *Engine) serveOne() error {
	hb, err := e.rx.fill(e.t, mtp.HeaderSize)
	if err != nil {
		return err
	}
	h, err := mtp.DecodeHeader(hb)
	if err != nil {
		return err
	}

	t := &transaction{code: h.Code, tid: h.TransactionID, started: time.Now()}

	if h.Type != mtp.USB_CONTAINER_COMMAND {
		// Only a command opens a transaction. Drain the stray
		// container and refuse it without touching state.
		e.log.MTP.Warningf("%v while idle", h)
		if err := e.rx.discard(e.t, h.DataLength()); err != nil {
			return err
		}
		return e.respond(t, mtp.RC_InvalidParameter)
	}

	nParam, err := h.ParamCount()
	if err != nil {
		// The declared remainder is still on the wire; discard it so
		// the next header read stays aligned.
		if derr := e.rx.discard(e.t, h.DataLength()); derr != nil {
			return derr
		}
		return err
	}
	if nParam > mtp.MaxParams {
		if err := e.rx.discard(e.t, h.DataLength()); err != nil {
			return err
		}
		return e.respond(t, mtp.RC_InvalidParameter)
	}
	if nParam > 0 {
		pb, err := e.rx.fill(e.t, 4*nParam)
		if err != nil {
			return err
		}
		t.params = mtp.DecodeParams(pb)
	}

	e.log.MTP.Debugf("request %s %v tid 0x%x", opName(t.code), t.params, t.tid)

	handler, ok := handlers[t.code]
	if !ok {
		return e.respond(t, mtp.RC_OperationNotSupported)
	}
	if e.session == nil && t.code != mtp.OC_GetDeviceInfo && t.code != mtp.OC_OpenSession {
		return e.respond(t, mtp.RC_SessionNotOpen)
	}

	if err := handler(e, t); err != nil {
		return err
	}
	e.obs.Transaction(t.code, t.respCode, t.tid, t.bytes, time.Since(t.started))
	e.obs.ObjectsIndexed(e.ix.Len())
	return nil
}

// respond sends the single response container that closes every
// transaction.
func (e *Engine) respond(t *transaction, code uint16, params ...uint32) error {
	c := mtp.Container{Code: code, TransactionID: t.tid, Param: params}
	if _, err := e.t.Write(mtp.EncodeContainer(mtp.USB_CONTAINER_RESPONSE, &c)); err != nil {
		return err
	}
	t.respCode = code
	e.log.MTP.Debugf("response %s %v tid 0x%x", mtp.RCError(code).Error(), params, t.tid)
	return nil
}

// sendData ships a small, fully materialized dataset as the data phase.
func (e *Engine) sendData(t *transaction, data []byte) error {
	return e.streamData(t, bytes.NewReader(data), int64(len(data)))
}

// streamData ships the data phase from r, size bytes, in tx-buffer
// chunks. Peak memory is the tx buffer regardless of size.
func (e *Engine) streamData(t *transaction, r io.Reader, size int64) error {
	if _, err := e.t.Write(mtp.EncodeDataHeader(t.code, t.tid, size)); err != nil {
		return err
	}
	if _, err := e.tx.copyOut(e.t, r, size); err != nil {
		return err
	}
	if needZLP(size + mtp.HeaderSize) {
		if _, err := e.t.Write(nil); err != nil {
			return err
		}
	}
	t.bytes += size
	return nil
}

// recvData reads and validates the data-phase header for the current
// transaction, returning the payload length still on the wire.
func (e *Engine) recvData(t *transaction) (int64, error) {
	hb, err := e.rx.fill(e.t, mtp.HeaderSize)
	if err != nil {
		return 0, err
	}
	h, err := mtp.DecodeHeader(hb)
	if err != nil {
		return 0, err
	}
	if h.Type != mtp.USB_CONTAINER_DATA {
		return 0, errPhase
	}
	if h.TransactionID != t.tid {
		// Stale or interleaved data kills the transaction, not the
		// connection; the payload is drained so the next command
		// starts on a container boundary.
		if err := e.rx.discard(e.t, h.DataLength()); err != nil {
			return 0, err
		}
		return 0, errStaleData
	}
	return h.DataLength(), nil
}

// abortData answers a data-phase sequencing failure and returns the
// machine to Idle.
func (e *Engine) abortData(t *transaction, err error) error {
	if errors.Is(err, errPhase) || errors.Is(err, errStaleData) {
		return e.respond(t, mtp.RC_IncompleteTransfer)
	}
	return err
}

// responseCode translates filesystem adapter failures to the nearest
// PTP response code. The mapping is deliberately small; anything
// unrecognized becomes GeneralError rather than guessing.
func responseCode(err error) uint16 {
	switch {
	case errors.Is(err, storage.ErrInvalidHandle):
		return mtp.RC_InvalidObjectHandle
	case errors.Is(err, storage.ErrNotFound):
		return mtp.RC_StoreNotAvailable
	case errors.Is(err, storage.ErrNotEmpty):
		return mtp.RC_PartialDeletion
	case errors.Is(err, storage.ErrEscape):
		return mtp.RC_AccessDenied
	case errors.Is(err, os.ErrPermission):
		return mtp.RC_AccessDenied
	case errors.Is(err, syscall.ENOSPC):
		return mtp.RC_StoreFull
	default:
		return mtp.RC_GeneralError
	}
}

func opName(code uint16) string {
	if n, ok := mtp.OC_names[int(code)]; ok {
		return n
	}
	return mtp.RCError(code).Error()
}
