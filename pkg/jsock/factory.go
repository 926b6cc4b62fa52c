package jsock

import (
	"context"
	"sync"
	"time"

	"github.com/cpiekarski/jsockd/internal/admission"
	"github.com/cpiekarski/jsockd/internal/stats"
	"github.com/cpiekarski/jsockd/pkg/logger"
)

// purgeInterval is how often the accept loop sweeps the live worker set
// for termination, mirroring the 0.2s poll spec §4.6 describes for
// `_wait_to_exit`.
const purgeInterval = 200 * time.Millisecond

// FactoryServer accepts connections and hands each one to a fresh
// Worker built by factory, tracking the live worker set and archiving
// terminated workers' stats (§4.6).
type FactoryServer struct {
	address string
	port    int
	factory WorkerFactory

	acceptTimeout time.Duration
	recvTimeout   time.Duration

	admission *admission.Limiter

	mu    sync.Mutex
	state serverState
	ep    *Endpoint

	workersMu sync.Mutex
	workers   map[*Worker]struct{}

	cancel context.CancelFunc
	done   chan struct{}

	archive *stats.Collector
	log     *logger.Logger
}

// NewFactoryServer constructs a FactoryServer bound to address:port. If
// limiter is non-nil it is consulted (nil-receiver-safe even if not)
// before a new worker is spawned.
func NewFactoryServer(address string, port int, factory WorkerFactory, acceptTimeout, recvTimeout time.Duration, limiter *admission.Limiter) *FactoryServer {
	return &FactoryServer{
		address:       address,
		port:          port,
		factory:       factory,
		acceptTimeout: acceptTimeout,
		recvTimeout:   recvTimeout,
		admission:     limiter,
		workers:       make(map[*Worker]struct{}),
		archive:       stats.NewCollector(),
		log:           logger.New("jsock:factory"),
	}
}

// Start binds the listening socket and launches the accept loop.
func (f *FactoryServer) Start() error {
	f.mu.Lock()
	if f.state != stateStopped {
		f.mu.Unlock()
		return errStateAlready
	}
	ep, err := NewListeningEndpoint(f.address, f.port)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	ep.SetAcceptTimeout(f.acceptTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	f.ep = ep
	f.state = stateRunning
	f.cancel = cancel
	f.done = make(chan struct{})
	f.mu.Unlock()

	go f.acceptLoop(ctx)
	return nil
}

// Address returns the configured listening address.
func (f *FactoryServer) Address() string { return f.address }

// Port returns the bound listening port.
func (f *FactoryServer) Port() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ep == nil {
		return f.port
	}
	return f.ep.Port()
}

func (f *FactoryServer) acceptLoop(ctx context.Context) {
	defer close(f.done)

	go func() {
		ticker := time.NewTicker(purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.purgeTerminated()
			}
		}
	}()

	for {
		f.purgeTerminated()

		f.mu.Lock()
		running := f.state == stateRunning
		ep := f.ep
		f.mu.Unlock()
		if !running {
			return
		}

		remote, err := ep.AcceptConnection(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue
			}
			f.log.Debug("accept error: %v", err)
			continue
		}
		conn := ep.ReleaseConnection()

		f.mu.Lock()
		stopping := f.state != stateRunning
		f.mu.Unlock()
		if stopping {
			conn.Close()
			return
		}

		if f.admission != nil && !f.admission.Allow(remote) {
			f.log.Info("rejecting %s: admission control", remote)
			conn.Close()
			continue
		}

		worker := f.factory.NewWorker(conn, remote)
		if worker == nil {
			f.log.Error("worker factory returned nil for %s", remote)
			conn.Close()
			if f.admission != nil {
				f.admission.Release(remote)
			}
			continue
		}
		worker.ep.SetRecvTimeout(f.recvTimeout)

		f.workersMu.Lock()
		f.workers[worker] = struct{}{}
		f.workersMu.Unlock()

		worker.Start()
	}
}

// purgeTerminated removes finished workers from the live set and
// merges their terminal stats into the archive exactly once each.
func (f *FactoryServer) purgeTerminated() {
	var terminated []*Worker

	f.workersMu.Lock()
	for w := range f.workers {
		select {
		case <-w.done:
			terminated = append(terminated, w)
			delete(f.workers, w)
		default:
		}
	}
	f.workersMu.Unlock()

	for _, w := range terminated {
		if w.TryArchive() {
			f.archive.MergeFrom(w.Stats())
		}
		if f.admission != nil {
			f.admission.Release(w.remote)
		}
	}
}

// Active reports the number of currently live workers.
func (f *FactoryServer) Active() int {
	f.workersMu.Lock()
	defer f.workersMu.Unlock()
	return len(f.workers)
}

// Stop transitions the server to stopping, interrupts a blocking
// accept, and force-stops and joins every live worker (via StopAll). It
// does not wait for the accept loop to exit; call Join for that.
func (f *FactoryServer) Stop() {
	f.mu.Lock()
	if f.state != stateRunning {
		f.mu.Unlock()
		return
	}
	f.state = stateStopping
	cancel := f.cancel
	ep := f.ep
	f.mu.Unlock()
	cancel()
	if ep != nil {
		ep.Close()
	}
	f.StopAll()
}

// StopAll force-stops and joins every currently live worker.
func (f *FactoryServer) StopAll() {
	for {
		f.workersMu.Lock()
		if len(f.workers) == 0 {
			f.workersMu.Unlock()
			return
		}
		live := make([]*Worker, 0, len(f.workers))
		for w := range f.workers {
			live = append(live, w)
		}
		f.workersMu.Unlock()

		for _, w := range live {
			w.ForceStop()
		}
		for _, w := range live {
			w.Join()
		}
		f.purgeTerminated()
	}
}

// Join blocks until the accept loop has exited.
func (f *FactoryServer) Join() {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	if done == nil {
		return
	}
	<-done
	f.mu.Lock()
	f.state = stateStopped
	f.mu.Unlock()
}

// Close stops the server, joins it, and releases the listening
// endpoint.
func (f *FactoryServer) Close() error {
	f.Stop()
	f.Join()
	f.mu.Lock()
	ep := f.ep
	f.ep = nil
	f.mu.Unlock()
	if ep == nil {
		return nil
	}
	return ep.Close()
}

// GetClientStats returns a snapshot aggregating every archived worker
// plus every currently live worker, without nesting the archive lock
// inside any worker's lock (§9 "Stats aggregation").
func (f *FactoryServer) GetClientStats() stats.Snapshot {
	f.workersMu.Lock()
	live := make([]*Worker, 0, len(f.workers))
	for w := range f.workers {
		live = append(live, w)
	}
	f.workersMu.Unlock()

	merged := stats.NewCollector()
	merged.MergeFrom(f.archive)
	for _, w := range live {
		merged.MergeFrom(w.Stats())
	}
	return merged.Snapshot()
}
