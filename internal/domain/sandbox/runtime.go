package sandbox

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/shared/id"
)

//go:embed bootstrap.js
var bootstrapSource string

var bootstrapProgram = goja.MustCompile("bootstrap.js", bootstrapSource, true)

var (
	// ErrSessionClosed is returned by Send after Close or a crash
	ErrSessionClosed = errors.New("sandbox session closed")

	errBudgetExceeded = errors.New("cpu budget exceeded")
)

// GojaFactory starts sessions backed by one goja VM each
type GojaFactory struct {
	cfg    Config
	loader *BundleLoader
	log    *logging.Logger
}

// NewGojaFactory creates a factory. loader may be nil when only
// StartSource is used.
func NewGojaFactory(cfg Config, loader *BundleLoader, log *logging.Logger) *GojaFactory {
	if log == nil {
		log = logging.Nop()
	}
	return &GojaFactory{cfg: cfg.withDefaults(), loader: loader, log: log.Named("sandbox")}
}

// Start loads the bundle referenced by spec and boots a session around it
func (f *GojaFactory) Start(ctx context.Context, spec Spec) (Session, error) {
	if f.loader == nil {
		return nil, fmt.Errorf("no bundle loader configured")
	}
	source, err := f.loader.Load(ctx, spec.Location)
	if err != nil {
		return nil, err
	}
	return f.StartSource(ctx, spec, source)
}

// StartSource boots a session from bundle source already in memory
func (f *GojaFactory) StartSource(ctx context.Context, spec Spec, source string) (*GojaSession, error) {
	mode := spec.Mode
	if mode == "" {
		mode = manifest.ModeWorker
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("unsupported isolation mode %q", mode)
	}

	s := &GojaSession{
		id:     id.NewSessionID(),
		token:  id.NewSessionToken(),
		cfg:    f.cfg,
		queue:  newJobQueue(),
		done:   make(chan struct{}),
		timers: make(map[int64]*time.Timer),
	}
	s.log = f.log.ForPlugin(spec.PluginID).With(zap.String("session_id", s.id.String()))

	if err := s.boot(ctx, spec, mode, source); err != nil {
		s.Close()
		return nil, err
	}

	go s.loop()
	s.log.Debug("sandbox session started", zap.String("mode", string(mode)))
	return s, nil
}

// GojaSession is a Session running plugin code in a goja VM with its own
// event loop goroutine. Every interaction with the VM happens on that
// goroutine; other goroutines only enqueue jobs.
type GojaSession struct {
	id    id.SessionID
	token id.SessionToken
	cfg   Config
	log   *logging.Logger

	vm      *goja.Runtime
	receive goja.Callable
	fire    goja.Callable

	queue     *jobQueue
	done      chan struct{}
	closeOnce sync.Once

	// interrupt guard: running is the sequence number of the job on the VM
	imu     sync.Mutex
	seq     uint64
	running uint64

	tmu    sync.Mutex
	timers map[int64]*time.Timer

	hmu        sync.Mutex
	handler    func(protocol.Message)
	handlerGen uint64
	subscribed bool
	backlog    []protocol.Message
}

// Token returns the session secret
func (s *GojaSession) Token() string {
	return s.token.Value()
}

// ID returns the session id used in logs
func (s *GojaSession) ID() id.SessionID {
	return s.id
}

// Done is closed when the session has been closed or crashed
func (s *GojaSession) Done() <-chan struct{} {
	return s.done
}

// Send encodes msg and queues it for the plugin
func (s *GojaSession) Send(msg protocol.Message) error {
	if s.isDone() {
		return ErrSessionClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return protocol.Errorf(protocol.CodeSerialization, "%v", err)
	}
	raw := string(data)
	if !s.queue.push(func() error {
		_, err := s.receive(goja.Undefined(), s.vm.ToValue(raw))
		return err
	}) {
		return ErrSessionClosed
	}
	return nil
}

// OnMessage subscribes handler. Messages held back before the first
// subscription are flushed from the loop goroutine.
func (s *GojaSession) OnMessage(handler func(protocol.Message)) func() {
	s.hmu.Lock()
	s.handler = handler
	s.subscribed = true
	s.handlerGen++
	gen := s.handlerGen
	s.hmu.Unlock()

	if !s.queue.push(func() error { s.flush(); return nil }) {
		// Loop is gone; hand over whatever was held back (e.g. a crash report).
		go s.flush()
	}

	return func() {
		s.hmu.Lock()
		defer s.hmu.Unlock()
		if s.handlerGen == gen {
			s.handler = nil
		}
	}
}

// Close stops the loop, cancels timers and interrupts running plugin code
func (s *GojaSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.queue.close()
		s.stopTimers()

		s.imu.Lock()
		if s.running != 0 && s.vm != nil {
			s.vm.Interrupt(ErrSessionClosed)
		}
		s.imu.Unlock()

		s.hmu.Lock()
		s.handler = nil
		s.hmu.Unlock()

		s.log.Debug("sandbox session closed")
	})
	return nil
}

// ============================================================================
// Boot
// ============================================================================

func (s *GojaSession) boot(ctx context.Context, spec Spec, mode manifest.Mode, source string) error {
	vm := goja.New()
	vm.SetMaxCallStackSize(s.cfg.MaxCallStack)
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("js", true))
	s.vm = vm

	for _, name := range []string{"require", "process", "module", "exports", "setInterval", "clearInterval"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("strip %s: %w", name, err)
		}
	}
	if mode == manifest.ModeDocument {
		if err := vm.Set("document", NewDocument()); err != nil {
			return fmt.Errorf("install document: %w", err)
		}
	}

	native := vm.NewObject()
	for name, fn := range map[string]any{
		"post":     s.post,
		"schedule": s.schedule,
		"cancel":   s.cancel,
		"console":  s.console,
	} {
		if err := native.Set(name, fn); err != nil {
			return fmt.Errorf("install native %s: %w", name, err)
		}
	}

	return s.guard(ctx, func() error {
		fnVal, err := vm.RunProgram(bootstrapProgram)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		install, ok := goja.AssertFunction(fnVal)
		if !ok {
			return fmt.Errorf("bootstrap did not evaluate to a function")
		}
		bridgeVal, err := install(goja.Undefined(), vm.GlobalObject(), native, vm.ToValue(s.token.Value()), vm.ToValue(string(mode)))
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		bridge := bridgeVal.ToObject(vm)
		if s.receive, ok = goja.AssertFunction(bridge.Get("receive")); !ok {
			return fmt.Errorf("bootstrap bridge has no receive function")
		}
		if s.fire, ok = goja.AssertFunction(bridge.Get("fire")); !ok {
			return fmt.Errorf("bootstrap bridge has no fire function")
		}

		name := spec.Location
		if name == "" {
			name = spec.PluginID + ".js"
		}
		if _, err := vm.RunScript(name, source); err != nil {
			return fmt.Errorf("evaluate bundle: %w", err)
		}
		return nil
	})
}

// ============================================================================
// Event loop
// ============================================================================

func (s *GojaSession) loop() {
	defer s.stopTimers()
	for {
		select {
		case <-s.done:
			return
		case <-s.queue.wake:
		}
		for {
			if s.isDone() {
				return
			}
			job := s.queue.pop()
			if job == nil {
				break
			}
			if err := s.guard(nil, job); err != nil {
				s.fault(err)
			}
		}
	}
}

// guard runs fn on the VM with the per-job CPU budget. ctx, when non-nil,
// also interrupts the job.
func (s *GojaSession) guard(ctx context.Context, fn func() error) (err error) {
	s.imu.Lock()
	s.vm.ClearInterrupt()
	s.seq++
	seq := s.seq
	s.running = seq
	s.imu.Unlock()

	timer := time.AfterFunc(s.cfg.JobBudget, func() { s.interrupt(seq, errBudgetExceeded) })
	stop := func() bool { return false }
	if ctx != nil {
		stop = context.AfterFunc(ctx, func() { s.interrupt(seq, ctx.Err()) })
	}
	defer func() {
		timer.Stop()
		stop()
		s.imu.Lock()
		s.running = 0
		s.imu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox panic: %v", r)
		}
	}()
	return fn()
}

func (s *GojaSession) interrupt(seq uint64, reason error) {
	s.imu.Lock()
	defer s.imu.Unlock()
	if s.running == seq {
		s.vm.Interrupt(reason)
	}
}

// fault classifies a failed job. Exceptions thrown by plugin callbacks are
// reported as telemetry; budget overruns and internal failures crash the
// session.
func (s *GojaSession) fault(err error) {
	if s.isDone() {
		return
	}
	var interrupted *goja.InterruptedError
	var exception *goja.Exception
	switch {
	case errors.As(err, &interrupted):
		s.crash(fmt.Sprint(interrupted.Value()))
	case errors.As(err, &exception):
		s.log.Debug("uncaught plugin exception", zap.String("error", exception.Error()))
		s.deliver(protocol.NewTelemetry(s.Token(), protocol.LevelError, "uncaught_exception", exception.Error()))
	default:
		s.crash(err.Error())
	}
}

func (s *GojaSession) crash(detail string) {
	s.log.Warn("sandbox crashed", zap.String("detail", detail))
	s.deliver(protocol.NewCrash(s.Token(), detail))
	s.Close()
}

func (s *GojaSession) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ============================================================================
// Delivery
// ============================================================================

// deliver hands a plugin message to the subscriber. It only runs on the
// loop goroutine (or during boot, before any subscriber exists).
func (s *GojaSession) deliver(msg protocol.Message) {
	s.hmu.Lock()
	if s.handler == nil || len(s.backlog) > 0 {
		if (!s.subscribed || s.handler != nil) && len(s.backlog) < s.cfg.MaxBacklog {
			s.backlog = append(s.backlog, msg)
		}
		s.hmu.Unlock()
		return
	}
	h := s.handler
	s.hmu.Unlock()
	h(msg)
}

func (s *GojaSession) flush() {
	for {
		s.hmu.Lock()
		if s.handler == nil || len(s.backlog) == 0 {
			s.hmu.Unlock()
			return
		}
		msg := s.backlog[0]
		s.backlog = s.backlog[1:]
		h := s.handler
		s.hmu.Unlock()
		h(msg)
	}
}

// ============================================================================
// Native functions called from the bootstrap
// ============================================================================

func (s *GojaSession) post(raw string) {
	msg, err := protocol.Decode([]byte(raw))
	if err != nil {
		s.log.Debug("dropping malformed plugin message", zap.Error(err))
		return
	}
	s.deliver(msg)
}

func (s *GojaSession) console(level, text string) {
	if !s.cfg.EnableConsole {
		return
	}
	s.deliver(protocol.NewTelemetry(s.Token(), level, "console", text))
}

func (s *GojaSession) schedule(timerID int64, delayMs float64) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if len(s.timers) >= s.cfg.MaxTimers {
		panic(s.vm.NewGoError(fmt.Errorf("too many pending timers (max %d)", s.cfg.MaxTimers)))
	}
	s.timers[timerID] = time.AfterFunc(time.Duration(delayMs*float64(time.Millisecond)), func() {
		s.queue.push(func() error {
			s.tmu.Lock()
			delete(s.timers, timerID)
			s.tmu.Unlock()
			_, err := s.fire(goja.Undefined(), s.vm.ToValue(timerID))
			return err
		})
	})
}

func (s *GojaSession) cancel(timerID int64) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[timerID]; ok {
		t.Stop()
		delete(s.timers, timerID)
	}
}

func (s *GojaSession) stopTimers() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
}
