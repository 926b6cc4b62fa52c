package jsock

import (
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cpiekarski/jsockd/internal/stats"
	"github.com/cpiekarski/jsockd/pkg/logger"
)

// Worker owns exactly one accepted connection handed to it by a
// FactoryServer. It does not listen; its message loop is identical in
// shape to Server's (§4.4 steps 2-5).
type Worker struct {
	ep      *Endpoint
	remote  net.Addr
	handler Handler
	stats   *stats.Collector

	running atomic.Bool
	done    chan struct{}

	// archived guards against a terminated worker's stats being merged
	// into a server-level archive more than once, since ForceStop and a
	// concurrent purge pass could otherwise both observe termination.
	archived atomic.Bool

	log *logger.Logger
}

func newWorker(conn net.Conn, remote net.Addr, handler Handler, recvTimeout time.Duration, maxMessageSize uint32) *Worker {
	ep := NewConnectedEndpoint(conn, "", 0)
	if maxMessageSize > 0 {
		ep.SetMaxMessageSize(maxMessageSize)
	}
	ep.SetRecvTimeout(recvTimeout)

	return &Worker{
		ep:      ep,
		remote:  remote,
		handler: handler,
		stats:   stats.NewCollector(),
		done:    make(chan struct{}),
		log:     logger.New("jsock:worker"),
	}
}

// Start launches the worker's message loop on its own goroutine.
func (w *Worker) Start() {
	w.running.Store(true)
	w.stats.Connect(w.remote.String(), time.Now())
	go w.run()
}

func (w *Worker) run() {
	defer close(w.done)
	defer w.terminate()

	for w.running.Load() {
		v, err := w.ep.ReadObj()
		if err != nil {
			if !w.running.Load() {
				return // ForceStop closed the connection out from under us
			}
			if w.handleReadError(err) {
				continue
			}
			return
		}

		clientID := identityOf(v, "")
		w.stats.Reconcile(clientID)
		w.stats.MessageIn(payloadSize(v), time.Now())

		reply, herr := w.handler(v)
		if herr != nil {
			w.stats.Failure(stats.KindHandler)
			w.log.Error("handler error from %s: %v", w.remote, herr)
			return
		}
		if reply == nil {
			continue
		}

		if err := w.ep.SendObj(reply); err != nil {
			w.recordSendFailure(err)
			return
		}
		w.stats.MessageOut(payloadSize(reply), time.Now())
	}
}

// handleReadError records the failure implied by err and reports
// whether the message loop may continue (true) or must terminate the
// worker (false). A header timeout with zero bytes received is the
// one recoverable case, per §4.4 message loop step 1.
func (w *Worker) handleReadError(err error) bool {
	var ff *FramingFault
	switch {
	case errors.As(err, &ff):
		w.stats.Failure(ff.Kind)
		return false
	case errors.Is(err, ErrConnectionBroken):
		w.log.Info("connection broken: %s", w.remote)
		return false
	case isTimeout(err):
		w.stats.Failure(stats.KindTimeout)
		return true
	default:
		w.stats.Failure(stats.KindHandler)
		w.log.Error("read error from %s: %v", w.remote, err)
		return false
	}
}

func (w *Worker) recordSendFailure(err error) {
	var ff *FramingFault
	if errors.As(err, &ff) {
		w.stats.Failure(ff.Kind)
		return
	}
	w.stats.Failure(stats.KindBadWrite)
}

func (w *Worker) terminate() {
	w.running.Store(false)
	w.stats.Disconnect(time.Now())
	w.ep.Close()
}

// ForceStop asks the worker's message loop to exit. It does not block;
// callers should Join afterward.
func (w *Worker) ForceStop() {
	w.running.Store(false)
	w.ep.Close()
}

// Join blocks until the worker's message loop has exited.
func (w *Worker) Join() {
	<-w.done
}

// Stats returns the worker's own statistics collector, consumable by a
// FactoryServer for live aggregation or post-termination archival.
func (w *Worker) Stats() *stats.Collector {
	return w.stats
}

// TryArchive reports whether this is the first call to TryArchive for
// this worker, atomically marking it archived. A FactoryServer must
// check this before merging the worker's stats into its archive so a
// worker's terminal counters are never double-counted.
func (w *Worker) TryArchive() bool {
	return w.archived.CompareAndSwap(false, true)
}

func identityOf(v any, fallback string) string {
	obj, ok := v.(map[string]any)
	if !ok {
		return fallback
	}
	if id, ok := stringOrNumeric(obj["client"]); ok {
		return id
	}
	if id, ok := stringOrNumeric(obj["client_id"]); ok {
		return id
	}
	return fallback
}

func stringOrNumeric(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return trimFloat(t), true
	default:
		return "", false
	}
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
