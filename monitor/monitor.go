// Package monitor exposes the responder's runtime state over HTTP:
// a Prometheus scrape endpoint and a websocket activity stream that
// broadcasts a status snapshot once a second.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulbellamy/ratecounter"
	"golang.org/x/sync/errgroup"

	"github.com/andrewleech/go-mtpd/log"
	"github.com/andrewleech/go-mtpd/mtp"
	"github.com/andrewleech/go-mtpd/usb"
)

// ActivityRecord is one completed transaction on the stream.
type ActivityRecord struct {
	Op       string  `json:"op"`
	Code     string  `json:"code"`
	TID      uint32  `json:"tid"`
	Bytes    int64   `json:"bytes"`
	Duration float64 `json:"duration_ms"`
}

// InfoPayload is one status snapshot on the activity stream.
type InfoPayload struct {
	SessionOpen  bool   `json:"session_open"`
	Objects      int    `json:"objects"`
	LastOp       string `json:"last_op"`
	LastResponse string `json:"last_response"`
	TPS          int64  `json:"tps"`
	RxRate       int64  `json:"rx_rate"`
	TxRate       int64  `json:"tx_rate"`
	RxBytes      int64  `json:"rx_bytes"`
	TxBytes      int64  `json:"tx_bytes"`
}

// Server receives engine callbacks and serves them to scrapers and
// stream clients. It is the device.Observer wired into the engine.
type Server struct {
	ep *usb.Endpoints

	info     InfoPayload
	infoLock sync.Mutex

	txnRate *ratecounter.RateCounter
	events  chan ActivityRecord

	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]bool
	cliLock  sync.Mutex

	log *log.ChildLogger
}

func NewServer(lg *log.ChildLogger) *Server {
	return &Server{
		txnRate: ratecounter.NewRateCounter(time.Second),
		events:  make(chan ActivityRecord, 64),
		clients: map[*websocket.Conn]bool{},
		log:     lg,
	}
}

// SetEndpoints attaches the bulk pipe pair whose rates and totals feed
// the snapshot. Called again on reconnect.
func (s *Server) SetEndpoints(ep *usb.Endpoints) {
	s.infoLock.Lock()
	s.ep = ep
	s.infoLock.Unlock()
}

// Engine callbacks. These run on the engine goroutine, so they only
// touch counters and the locked snapshot.

func (s *Server) Transaction(op, code uint16, tid uint32, bytes int64, d time.Duration) {
	opn := codeName(mtp.OC_names, op)
	rcn := codeName(mtp.RC_names, code)
	recordTransaction(opn, rcn, bytes, d)
	s.txnRate.Incr(1)

	s.infoLock.Lock()
	s.info.LastOp = opn
	s.info.LastResponse = rcn
	s.infoLock.Unlock()

	// Never block the engine on slow stream clients.
	select {
	case s.events <- ActivityRecord{
		Op:       opn,
		Code:     rcn,
		TID:      tid,
		Bytes:    bytes,
		Duration: float64(d) / float64(time.Millisecond),
	}:
	default:
	}
}

func (s *Server) SessionChanged(open bool) {
	if open {
		sessionOpen.Set(1)
	} else {
		sessionOpen.Set(0)
	}
	s.infoLock.Lock()
	s.info.SessionOpen = open
	s.infoLock.Unlock()
}

func (s *Server) ObjectsIndexed(n int) {
	objectsIndexed.Set(float64(n))
	s.infoLock.Lock()
	s.info.Objects = n
	s.infoLock.Unlock()
}

func codeName(names map[int]string, code uint16) string {
	if n, ok := names[int(code)]; ok {
		return n
	}
	return "Unknown"
}

// HandleActivity upgrades to a websocket and keeps the client
// registered until it goes away. Snapshots are pushed by the broadcast
// worker.
func (s *Server) HandleActivity(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("failed to upgrade: %s", err)
		return
	}
	defer ws.Close()

	s.register(ws)
	for {
		var mes struct{}
		if err := ws.ReadJSON(&mes); err != nil {
			s.unregister(ws)
			return
		}
	}
}

func (s *Server) register(c *websocket.Conn) {
	s.cliLock.Lock()
	defer s.cliLock.Unlock()
	s.clients[c] = true
	wsClients.Set(float64(len(s.clients)))
}

func (s *Server) unregister(c *websocket.Conn) {
	s.cliLock.Lock()
	defer s.cliLock.Unlock()
	delete(s.clients, c)
	wsClients.Set(float64(len(s.clients)))
}

func (s *Server) snapshot() InfoPayload {
	s.infoLock.Lock()
	defer s.infoLock.Unlock()

	info := s.info
	info.TPS = s.txnRate.Rate()
	if s.ep != nil {
		info.RxRate, info.TxRate = s.ep.Rates()
		info.RxBytes, info.TxBytes = s.ep.Totals()
	}
	return info
}

func (s *Server) broadcastInfo() {
	info := s.snapshot()
	usbBytes.WithLabelValues("rx").Set(float64(info.RxBytes))
	usbBytes.WithLabelValues("tx").Set(float64(info.TxBytes))
	s.broadcastJSON(info)
}

func (s *Server) broadcastJSON(payload interface{}) {
	j, err := json.Marshal(payload)
	if err != nil {
		s.log.Errorf("failed to marshal payload: %s", err)
		return
	}

	s.cliLock.Lock()
	defer s.cliLock.Unlock()
	for c := range s.clients {
		if err := c.WriteMessage(websocket.TextMessage, j); err != nil {
			s.log.Errorf("failed to send a message: %s", err)
		}
	}
}

// Run serves HTTP on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/activity", s.HandleActivity)
	srv := &http.Server{Addr: addr, Handler: log.HTTPLogHandler(mux)}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		err := srv.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	eg.Go(func() error {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-egCtx.Done():
				shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				return srv.Shutdown(shutCtx)
			case ev := <-s.events:
				s.broadcastJSON(ev)
			case <-tick.C:
				s.broadcastInfo()
			}
		}
	})

	s.log.Infof("monitor listening on %s", addr)
	return eg.Wait()
}
