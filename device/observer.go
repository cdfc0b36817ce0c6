package device

import "time"

// Observer receives engine activity. Implementations must be fast; the
// engine calls them synchronously between transactions.
type Observer interface {
	// Transaction fires after the response container has been sent.
	Transaction(op, code uint16, tid uint32, bytes int64, d time.Duration)
	// SessionChanged fires on OpenSession/CloseSession and resets.
	SessionChanged(open bool)
	// ObjectsIndexed reports the current index size.
	ObjectsIndexed(n int)
}

type nopObserver struct{}

func (nopObserver) Transaction(op, code uint16, tid uint32, bytes int64, d time.Duration) {}
func (nopObserver) SessionChanged(open bool)                                              {}
func (nopObserver) ObjectsIndexed(n int)                                                  {}
