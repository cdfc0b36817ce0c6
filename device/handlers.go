package device

import (
	"bytes"
	"io"
	"path"
	"strings"
	"time"

	"github.com/andrewleech/go-mtpd/mtp"
	"github.com/andrewleech/go-mtpd/storage"
)

type handlerFunc func(*Engine, *transaction) error

// handlers is the dispatch table; a missing entry means
// OperationNotSupported. Session gating happens before dispatch.
var handlers = map[uint16]handlerFunc{
	mtp.OC_GetDeviceInfo:    (*Engine).getDeviceInfo,
	mtp.OC_OpenSession:      (*Engine).openSession,
	mtp.OC_CloseSession:     (*Engine).closeSession,
	mtp.OC_GetStorageIDs:    (*Engine).getStorageIDs,
	mtp.OC_GetStorageInfo:   (*Engine).getStorageInfo,
	mtp.OC_GetNumObjects:    (*Engine).getNumObjects,
	mtp.OC_GetObjectHandles: (*Engine).getObjectHandles,
	mtp.OC_GetObjectInfo:    (*Engine).getObjectInfo,
	mtp.OC_GetObject:        (*Engine).getObject,
	mtp.OC_GetPartialObject: (*Engine).getPartialObject,
	mtp.OC_DeleteObject:     (*Engine).deleteObject,
	mtp.OC_SendObjectInfo:   (*Engine).sendObjectInfo,
	mtp.OC_SendObject:       (*Engine).sendObject,
}

// supportedOps is advertised in DeviceInfo; it must match the dispatch
// table above.
var supportedOps = []uint16{
	mtp.OC_GetDeviceInfo,
	mtp.OC_OpenSession,
	mtp.OC_CloseSession,
	mtp.OC_GetStorageIDs,
	mtp.OC_GetStorageInfo,
	mtp.OC_GetNumObjects,
	mtp.OC_GetObjectHandles,
	mtp.OC_GetObjectInfo,
	mtp.OC_GetObject,
	mtp.OC_DeleteObject,
	mtp.OC_SendObjectInfo,
	mtp.OC_SendObject,
	mtp.OC_GetPartialObject,
}

// arg returns the i'th command parameter, zero when the host sent
// fewer.
func arg(t *transaction, i int) uint32 {
	if i < len(t.params) {
		return t.params[i]
	}
	return 0
}

// Handles on the wire: 0xFFFFFFFF names the storage root, 0 means
// every object on the store. The index uses 0 internally for the root
// parent, so wire values are translated at this boundary.
const (
	wireRoot = 0xFFFFFFFF
	wireAll  = 0x00000000
)

func indexParent(wire uint32) uint32 {
	if wire == wireRoot || wire == wireAll {
		return storage.RootParent
	}
	return wire
}

func (e *Engine) getDeviceInfo(t *transaction) error {
	di := mtp.DeviceInfo{
		StandardVersion:      100,
		MTPVendorExtensionID: 0x6,
		MTPVersion:           100,
		MTPExtension:         "microsoft.com: 1.0;",
		PlaybackFormats:      []uint16{mtp.OFC_Undefined, mtp.OFC_Association},
		OperationsSupported:  supportedOps,
		Manufacturer:         e.cfg.Manufacturer,
		Model:                e.cfg.Model,
		DeviceVersion:        e.cfg.DeviceVersion,
		SerialNumber:         e.cfg.SerialNumber,
	}
	var buf bytes.Buffer
	if err := mtp.Encode(&buf, &di); err != nil {
		return e.respond(t, mtp.RC_GeneralError)
	}
	if err := e.sendData(t, buf.Bytes()); err != nil {
		return err
	}
	return e.respond(t, mtp.RC_OK)
}

func (e *Engine) openSession(t *transaction) error {
	sid := arg(t, 0)
	if sid == 0 {
		return e.respond(t, mtp.RC_InvalidParameter)
	}
	if e.session != nil {
		return e.respond(t, mtp.RC_SessionAlreadyOpened, e.session.sid)
	}
	e.session = &session{sid: sid}
	e.obs.SessionChanged(true)
	e.log.MTP.Infof("session 0x%x opened", sid)
	return e.respond(t, mtp.RC_OK)
}

func (e *Engine) closeSession(t *transaction) error {
	e.log.MTP.Infof("session 0x%x closed", e.session.sid)
	e.session = nil
	e.pending = nil
	e.ix.Clear()
	e.obs.SessionChanged(false)
	return e.respond(t, mtp.RC_OK)
}

func (e *Engine) getStorageIDs(t *transaction) error {
	ids := mtp.Uint32Array{Values: []uint32{mtp.StorageID}}
	var buf bytes.Buffer
	if err := mtp.Encode(&buf, &ids); err != nil {
		return e.respond(t, mtp.RC_GeneralError)
	}
	if err := e.sendData(t, buf.Bytes()); err != nil {
		return err
	}
	return e.respond(t, mtp.RC_OK)
}

func (e *Engine) getStorageInfo(t *transaction) error {
	if arg(t, 0) != mtp.StorageID {
		return e.respond(t, mtp.RC_InvalidStorageId)
	}
	total, free, err := e.fs.Capacity()
	if err != nil {
		e.log.FS.Warningf("capacity: %v", err)
		return e.respond(t, responseCode(err))
	}
	si := mtp.StorageInfo{
		StorageType:        mtp.ST_FixedMedia,
		FilesystemType:     mtp.FST_GenericHierarchical,
		AccessCapability:   mtp.AC_ReadWrite,
		MaxCapability:      total,
		FreeSpaceInBytes:   free,
		FreeSpaceInImages:  0xFFFFFFFF,
		StorageDescription: e.cfg.StorageDescription,
		VolumeLabel:        e.cfg.VolumeLabel,
	}
	var buf bytes.Buffer
	if err := mtp.Encode(&buf, &si); err != nil {
		return e.respond(t, mtp.RC_GeneralError)
	}
	if err := e.sendData(t, buf.Bytes()); err != nil {
		return err
	}
	return e.respond(t, mtp.RC_OK)
}

// checkStore validates the storage ID parameter shared by the
// enumeration operations. 0xFFFFFFFF asks across all stores; there is
// only one.
func checkStore(id uint32) bool {
	return id == mtp.StorageID || id == 0xFFFFFFFF
}

// enumerate resolves the parent parameter of GetObjectHandles and
// GetNumObjects to a handle list. A zero parent asks for every object
// on the store, which means a full recursive walk.
func (e *Engine) enumerate(wireParent uint32) ([]uint32, error) {
	if wireParent != wireAll {
		return e.ix.Children(indexParent(wireParent))
	}
	var all []uint32
	var walk func(parent uint32) error
	walk = func(parent uint32) error {
		hs, err := e.ix.Children(parent)
		if err != nil {
			return err
		}
		for _, h := range hs {
			all = append(all, h)
			r, err := e.ix.Resolve(h)
			if err != nil {
				continue
			}
			if r.Dir {
				if err := walk(h); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(storage.RootParent); err != nil {
		return nil, err
	}
	return all, nil
}

func (e *Engine) getNumObjects(t *transaction) error {
	if !checkStore(arg(t, 0)) {
		return e.respond(t, mtp.RC_InvalidStorageId)
	}
	handles, err := e.enumerate(arg(t, 2))
	if err != nil {
		return e.respond(t, responseCode(err))
	}
	return e.respond(t, mtp.RC_OK, uint32(len(handles)))
}

func (e *Engine) getObjectHandles(t *transaction) error {
	if !checkStore(arg(t, 0)) {
		return e.respond(t, mtp.RC_InvalidStorageId)
	}
	handles, err := e.enumerate(arg(t, 2))
	if err != nil {
		return e.respond(t, responseCode(err))
	}
	arr := mtp.Uint32Array{Values: handles}
	var buf bytes.Buffer
	if err := mtp.Encode(&buf, &arr); err != nil {
		return e.respond(t, mtp.RC_GeneralError)
	}
	if err := e.sendData(t, buf.Bytes()); err != nil {
		return err
	}
	return e.respond(t, mtp.RC_OK)
}

func (e *Engine) getObjectInfo(t *transaction) error {
	r, err := e.ix.Resolve(arg(t, 0))
	if err != nil {
		return e.respond(t, mtp.RC_InvalidObjectHandle)
	}
	fi, err := e.fs.Stat(r.Path)
	if err != nil {
		// The file went away underneath us; retire the handle.
		e.ix.Invalidate(r.Handle)
		return e.respond(t, responseCode(err))
	}
	oi := objectInfo(r, fi)
	var buf bytes.Buffer
	if err := mtp.Encode(&buf, &oi); err != nil {
		return e.respond(t, mtp.RC_GeneralError)
	}
	if err := e.sendData(t, buf.Bytes()); err != nil {
		return err
	}
	return e.respond(t, mtp.RC_OK)
}

// objectInfo builds the ObjectInfo dataset from current metadata.
// Sizes that do not fit the 32-bit field are pinned to 0xFFFFFFFF;
// the host falls back to GetPartialObject in that case.
func objectInfo(r *storage.Record, fi storage.FileInfo) mtp.ObjectInfo {
	mod := time.Unix(fi.ModTime.Unix(), 0)
	oi := mtp.ObjectInfo{
		StorageID:        mtp.StorageID,
		ParentObject:     r.Parent,
		Filename:         r.Name,
		CaptureDate:      mod,
		ModificationDate: mod,
	}
	if fi.Dir {
		oi.ObjectFormat = mtp.OFC_Association
		oi.AssociationType = mtp.AT_GenericFolder
	} else {
		oi.ObjectFormat = formatForName(r.Name)
		if fi.Size > 0xFFFFFFFF {
			oi.CompressedSize = 0xFFFFFFFF
		} else {
			oi.CompressedSize = uint32(fi.Size)
		}
	}
	return oi
}

// formatForName guesses the object format from the file extension.
func formatForName(name string) uint16 {
	switch strings.ToLower(path.Ext(name)) {
	case ".txt", ".log", ".csv":
		return mtp.OFC_Text
	case ".htm", ".html":
		return mtp.OFC_HTML
	case ".wav":
		return mtp.OFC_WAV
	case ".mp3":
		return mtp.OFC_MP3
	case ".jpg", ".jpeg":
		return mtp.OFC_EXIF_JPEG
	case ".bmp":
		return mtp.OFC_BMP
	case ".gif":
		return mtp.OFC_GIF
	case ".png":
		return mtp.OFC_PNG
	case ".py", ".sh":
		return mtp.OFC_Script
	default:
		return mtp.OFC_Undefined
	}
}

func (e *Engine) getObject(t *transaction) error {
	r, err := e.ix.Resolve(arg(t, 0))
	if err != nil {
		return e.respond(t, mtp.RC_InvalidObjectHandle)
	}
	if r.Dir {
		return e.respond(t, mtp.RC_InvalidObjectHandle)
	}
	fi, err := e.fs.Stat(r.Path)
	if err != nil {
		// Deleted behind our back.
		e.ix.Invalidate(r.Handle)
		return e.respond(t, responseCode(err))
	}
	f, err := e.fs.Open(r.Path)
	if err != nil {
		return e.respond(t, responseCode(err))
	}
	defer f.Close()
	if err := e.streamData(t, f, int64(fi.Size)); err != nil {
		return err
	}
	return e.respond(t, mtp.RC_OK)
}

func (e *Engine) getPartialObject(t *transaction) error {
	r, err := e.ix.Resolve(arg(t, 0))
	if err != nil || r.Dir {
		return e.respond(t, mtp.RC_InvalidObjectHandle)
	}
	fi, err := e.fs.Stat(r.Path)
	if err != nil {
		e.ix.Invalidate(r.Handle)
		return e.respond(t, responseCode(err))
	}
	offset := int64(arg(t, 1))
	want := int64(arg(t, 2))
	if offset > int64(fi.Size) {
		return e.respond(t, mtp.RC_InvalidParameter)
	}
	n := int64(fi.Size) - offset
	if want < n {
		n = want
	}
	f, err := e.fs.Open(r.Path)
	if err != nil {
		return e.respond(t, responseCode(err))
	}
	defer f.Close()
	if s, ok := f.(io.Seeker); ok {
		if _, err := s.Seek(offset, io.SeekStart); err != nil {
			return e.respond(t, responseCode(err))
		}
	} else if _, err := io.CopyN(io.Discard, f, offset); err != nil {
		return e.respond(t, responseCode(err))
	}
	if err := e.streamData(t, f, n); err != nil {
		return err
	}
	return e.respond(t, mtp.RC_OK, uint32(n))
}

func (e *Engine) deleteObject(t *transaction) error {
	handle := arg(t, 0)
	if handle == wireRoot {
		// Delete everything on the store.
		hs, err := e.ix.Children(storage.RootParent)
		if err != nil {
			return e.respond(t, responseCode(err))
		}
		code := uint16(mtp.RC_OK)
		for _, h := range hs {
			if err := e.deleteTree(h); err != nil {
				e.log.FS.Warningf("delete 0x%x: %v", h, err)
				code = mtp.RC_PartialDeletion
			}
		}
		return e.respond(t, code)
	}
	r, err := e.ix.Resolve(handle)
	if err != nil {
		return e.respond(t, mtp.RC_InvalidObjectHandle)
	}
	if err := e.deleteTree(handle); err != nil {
		// A directory that lost only some children is a partial
		// deletion regardless of the underlying cause.
		if r.Dir {
			return e.respond(t, mtp.RC_PartialDeletion)
		}
		return e.respond(t, responseCode(err))
	}
	return e.respond(t, mtp.RC_OK)
}

// deleteTree removes an object, depth-first for directories. Handles
// are retired only for what actually got removed, so a partial failure
// leaves the survivors addressable.
func (e *Engine) deleteTree(handle uint32) error {
	r, err := e.ix.Resolve(handle)
	if err != nil {
		return err
	}
	if r.Dir {
		hs, err := e.ix.Children(handle)
		if err != nil {
			return err
		}
		for _, h := range hs {
			if err := e.deleteTree(h); err != nil {
				return err
			}
		}
	}
	if err := e.fs.Remove(r.Path); err != nil {
		return err
	}
	e.ix.Invalidate(handle)
	return nil
}

// validName rejects filenames that would navigate outside the parent
// directory.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

func (e *Engine) sendObjectInfo(t *transaction) error {
	if store := arg(t, 0); store != 0 && store != mtp.StorageID {
		if done, err := e.discardDataPhase(t); err != nil || done {
			return err
		}
		return e.respond(t, mtp.RC_InvalidStorageId)
	}
	wireParent := arg(t, 1)
	dir, err := e.ix.PathOf(indexParent(wireParent))
	if err != nil {
		if done, derr := e.discardDataPhase(t); derr != nil || done {
			return derr
		}
		return e.respond(t, mtp.RC_InvalidParentObject)
	}

	length, err := e.recvData(t)
	if err != nil {
		return e.abortData(t, err)
	}
	payload := io.LimitReader(e.t, length)
	var oi mtp.ObjectInfo
	if err := mtp.Decode(payload, &oi); err != nil {
		if _, derr := io.Copy(io.Discard, payload); derr != nil {
			return derr
		}
		return e.respond(t, mtp.RC_InvalidParameter)
	}
	// Hosts append vendor extension fields we do not parse.
	if _, err := io.Copy(io.Discard, payload); err != nil {
		return err
	}

	if !validName(oi.Filename) {
		return e.respond(t, mtp.RC_InvalidParameter)
	}
	p := path.Join(dir, oi.Filename)

	if oi.ObjectFormat == mtp.OFC_Association {
		if err := e.fs.Mkdir(p); err != nil {
			return e.respond(t, responseCode(err))
		}
		fi, err := e.fs.Stat(p)
		if err != nil {
			return e.respond(t, responseCode(err))
		}
		h := e.ix.Reserve()
		e.ix.Insert(h, indexParent(wireParent), p, fi)
		e.pending = nil
		e.log.FS.Infof("mkdir %s handle 0x%x", p, h)
		return e.respond(t, mtp.RC_OK, mtp.StorageID, wireParent, h)
	}

	h := e.ix.Reserve()
	e.pending = &pendingObject{
		handle: h,
		parent: indexParent(wireParent),
		path:   p,
		size:   oi.CompressedSize,
	}
	e.log.FS.Debugf("staged %s handle 0x%x size %d", p, h, oi.CompressedSize)
	return e.respond(t, mtp.RC_OK, mtp.StorageID, wireParent, h)
}

// discardDataPhase drains the data phase of a command that is being
// refused before its payload has been read. It reports true when the
// transaction has already been answered because the data phase itself
// was out of sequence.
func (e *Engine) discardDataPhase(t *transaction) (responded bool, err error) {
	length, err := e.recvData(t)
	if err != nil {
		return true, e.abortData(t, err)
	}
	return false, e.rx.discard(e.t, length)
}

func (e *Engine) sendObject(t *transaction) error {
	p := e.pending
	if p == nil {
		if done, err := e.discardDataPhase(t); err != nil || done {
			return err
		}
		return e.respond(t, mtp.RC_NoValidObjectInfo)
	}
	e.pending = nil

	length, err := e.recvData(t)
	if err != nil {
		return e.abortData(t, err)
	}

	// 0xFFFFFFFF declares an object bigger than the 32-bit size field;
	// the wire length is authoritative then.
	if p.size != 0xFFFFFFFF && length != int64(p.size) {
		e.log.FS.Warningf("declared %d bytes, data phase carries %d", p.size, length)
		if err := e.rx.discard(e.t, length); err != nil {
			return err
		}
		return e.respond(t, mtp.RC_IncompleteTransfer)
	}

	w, err := e.fs.Create(p.path)
	if err != nil {
		if derr := e.rx.discard(e.t, length); derr != nil {
			return derr
		}
		return e.respond(t, responseCode(err))
	}

	written, err := e.rx.copyIn(e.t, w, length)
	cerr := w.Close()
	t.bytes += written
	if err != nil {
		// Transport failure mid-payload: the staged file is garbage.
		e.fs.Remove(p.path)
		return err
	}
	if cerr != nil {
		e.fs.Remove(p.path)
		return e.respond(t, responseCode(cerr))
	}

	fi, err := e.fs.Stat(p.path)
	if err != nil {
		return e.respond(t, responseCode(err))
	}
	e.ix.Insert(p.handle, p.parent, p.path, fi)
	e.log.FS.Infof("stored %s handle 0x%x %d bytes", p.path, p.handle, written)
	return e.respond(t, mtp.RC_OK)
}
