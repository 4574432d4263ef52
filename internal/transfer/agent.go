// Package transfer implements a git-lfs custom transfer agent that moves
// objects to and from a blob backend.
//
// The agent reads one JSON event per line on its input and writes one JSON
// reply per line on its output. After init it processes upload and download
// events on a bounded pool of workers; a single writer goroutine owns the
// output so replies never interleave.
package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/config"
	"github.com/gezibash/git-lfs-walrus/internal/observability"
	"github.com/gezibash/git-lfs-walrus/internal/pointer"
	"github.com/gezibash/git-lfs-walrus/pkg/logging"
)

const (
	// DefaultProgressInterval is the minimum gap between progress events of one request.
	DefaultProgressInterval = 100 * time.Millisecond

	maxLine = 1 << 20
)

// Config controls an Agent.
type Config struct {
	// Concurrency caps the worker pool. The host may ask for fewer.
	Concurrency int
	// DefaultEpochs is how many epochs uploads are stored for.
	DefaultEpochs uint64
	// DownloadDir receives downloads when the host gives no path. Empty means os.TempDir.
	DownloadDir string
	// BackendTimeout bounds each backend call. Zero keeps the backend's own bound.
	BackendTimeout time.Duration
	// ProgressInterval throttles progress events. Zero means DefaultProgressInterval.
	ProgressInterval time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return config.Errorf("concurrency", fmt.Sprint(c.Concurrency), "must be at least 1")
	}
	if c.DefaultEpochs == 0 {
		return config.Errorf("default_epochs", "0", "must be positive")
	}
	return nil
}

// Resolver finds the pointer behind an oid and learns about new ones.
type Resolver interface {
	Resolve(ctx context.Context, oid string) (pointer.Pointer, error)
	Remember(ctx context.Context, p pointer.Pointer, path string)
}

// Agent runs transfer sessions. One Agent may serve sessions sequentially or
// concurrently; each Run call owns its own state.
type Agent struct {
	backend  backend.Backend
	resolver Resolver
	cfg      Config
	metrics  *observability.Metrics
	log      *logging.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithMetrics records transfers into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// New returns an Agent. Backends that are not already a *backend.Client are
// wrapped in one bounded by cfg.BackendTimeout.
func New(b backend.Backend, r Resolver, cfg Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	a := &Agent{backend: b, resolver: r, cfg: cfg, log: logging.New(nil)}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithComponent("transfer")
	if _, ok := b.(*backend.Client); !ok {
		copts := []backend.ClientOption{backend.WithMetrics(a.metrics), backend.WithName("transfer")}
		if cfg.BackendTimeout > 0 {
			copts = append(copts, backend.WithTimeout(cfg.BackendTimeout))
		}
		a.backend = backend.NewClient(b, copts...)
	}
	return a, nil
}

// session is the state of one Run.
type session struct {
	agent     *Agent
	id        string
	log       *logging.Logger
	out       *writer
	operation backend.Direction

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Run serves one session until terminate, end of input, a protocol error or
// cancellation of ctx. It returns nil after terminate and after end of input.
func (a *Agent) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	s := &session{
		agent:    a,
		id:       uuid.NewString(),
		out:      newWriter(out),
		inflight: make(map[string]struct{}),
	}
	s.log = a.log.WithSession(s.id)

	err := s.run(ctx, in)
	if werr := s.out.close(); werr != nil && err == nil {
		err = fmt.Errorf("write reply: %w", werr)
	}
	return err
}

type line struct {
	n    int
	data []byte
	err  error
}

// readLines feeds input lines to the returned channel until EOF or stop.
// A read error is delivered as the last value.
func readLines(in io.Reader, stop <-chan struct{}) <-chan line {
	ch := make(chan line)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), maxLine)
		n := 0
		for sc.Scan() {
			n++
			data := append([]byte(nil), sc.Bytes()...)
			select {
			case ch <- line{n: n, data: data}:
			case <-stop:
				return
			}
		}
		if err := sc.Err(); err != nil {
			select {
			case ch <- line{n: n + 1, err: err}:
			case <-stop:
			}
		}
	}()
	return ch
}

type pool struct {
	jobs chan Request
	wg   sync.WaitGroup
}

func (s *session) startPool(ctx context.Context, n int) *pool {
	p := &pool{jobs: make(chan Request)}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for req := range p.jobs {
				s.handle(ctx, req)
			}
		}()
	}
	return p
}

// stop lets queued work finish and waits for the workers.
func (p *pool) stop() {
	close(p.jobs)
	p.wg.Wait()
}

func (s *session) run(ctx context.Context, in io.Reader) error {
	stop := make(chan struct{})
	defer close(stop)
	lines := readLines(in, stop)

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var workers *pool
	defer func() {
		if workers != nil {
			workers.stop()
		}
	}()

	// fatal abandons in-flight work before the deferred pool shutdown waits for it.
	fatal := func(err error) error {
		cancel()
		return err
	}

	for {
		var l line
		var ok bool
		select {
		case <-ctx.Done():
			return fatal(ctx.Err())
		case l, ok = <-lines:
		}

		if !ok {
			s.log.Warn("input closed without terminate, abandoning in-flight transfers")
			return fatal(nil)
		}
		if l.err != nil {
			return fatal(&ProtocolError{Line: l.n, Reason: "read input", Err: l.err})
		}

		var req Request
		if err := json.Unmarshal(l.data, &req); err != nil {
			return fatal(&ProtocolError{Line: l.n, Reason: "unparseable event", Err: err})
		}

		if req.Event != EventInit && workers == nil {
			return fatal(&ProtocolError{Line: l.n, Reason: fmt.Sprintf("%q event before init", req.Event)})
		}

		switch req.Event {
		case EventInit:
			if workers != nil {
				return fatal(&ProtocolError{Line: l.n, Reason: "second init event"})
			}
			n, err := s.init(req)
			if err != nil {
				return fatal(err)
			}
			workers = s.startPool(workCtx, n)

		case EventTerminate:
			s.log.Debug("terminate received, draining in-flight transfers")
			return nil

		case EventUpload, EventDownload:
			if err := s.admit(req); err != nil {
				s.log.WithOID(req.OID).Warn("rejected transfer request", "event", req.Event, "error", err)
				s.out.send(Complete{Event: EventComplete, OID: req.OID, Error: errorBody(err)})
				continue
			}
			select {
			case workers.jobs <- req:
			case <-ctx.Done():
				s.release(req.OID)
				return fatal(ctx.Err())
			}

		default:
			return fatal(&ProtocolError{Line: l.n, Reason: fmt.Sprintf("unknown event %q", req.Event)})
		}
	}
}

// init answers the init event and returns the worker count. A refused init
// is answered with code 32 and returned as a *config.Error.
func (s *session) init(req Request) (int, error) {
	dir := backend.Direction(req.Operation)
	if dir != backend.Upload && dir != backend.Download {
		return 0, s.refuse(config.Errorf("operation", req.Operation, "unsupported transfer operation"))
	}
	if !backend.Supports(s.agent.backend, dir) {
		return 0, s.refuse(config.Errorf("operation", req.Operation, "backend cannot serve %ss", dir))
	}
	s.operation = dir

	n := s.agent.cfg.Concurrency
	switch {
	case req.Concurrent != nil && !*req.Concurrent:
		n = 1
	case req.ConcurrentTransfers > 0 && req.ConcurrentTransfers < n:
		n = req.ConcurrentTransfers
	}

	s.out.send(InitReply{})
	s.log.Info("transfer session started", "operation", dir, "remote", req.Remote, "workers", n)
	return n, nil
}

func (s *session) refuse(err *config.Error) error {
	s.out.send(InitReply{Error: &ErrorBody{Code: CodeInitRefused, Message: err.Error()}})
	return err
}

// admit validates a transfer request and marks its oid in flight.
func (s *session) admit(req Request) error {
	switch {
	case req.Event != string(s.operation):
		return badRequestf("%s event in a %s session", req.Event, s.operation)
	case !pointer.ValidOID(req.OID):
		return badRequestf("invalid oid %q", req.OID)
	case req.Size < 0:
		return badRequestf("negative size %d", req.Size)
	case req.Event == EventUpload && req.Path == "":
		return badRequestf("upload of %s has no path", req.OID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.inflight[req.OID]; dup {
		return badRequestf("%s is already in flight", req.OID)
	}
	s.inflight[req.OID] = struct{}{}
	return nil
}

func (s *session) release(oid string) {
	s.mu.Lock()
	delete(s.inflight, oid)
	s.mu.Unlock()
}

// handle runs one admitted request and sends exactly one terminal reply,
// unless the session was abandoned.
func (s *session) handle(ctx context.Context, req Request) {
	defer s.release(req.OID)
	if m := s.agent.metrics; m != nil {
		m.TransfersInFlight.Inc()
		defer m.TransfersInFlight.Dec()
	}
	log := s.log.WithOID(req.OID)

	var (
		reply Complete
		err   error
	)
	if req.Event == EventUpload {
		reply, err = s.upload(ctx, req)
	} else {
		reply, err = s.download(ctx, req)
	}

	if err != nil {
		if ctx.Err() != nil {
			log.Debug("transfer abandoned", "error", err)
			return
		}
		log.Warn("transfer failed", "event", req.Event, "error", err)
		s.out.send(Complete{Event: EventComplete, OID: req.OID, Error: errorBody(err)})
		return
	}
	log.Debug("transfer complete", "event", req.Event, "size", req.Size)
	s.out.send(reply)
}
