package monitoring

import (
	"errors"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Registry is the process-wide monitoring facade. It owns the per-key
// metric states, the per-key locks, the span tracker, and the energy-probe
// lifecycle. It is explicitly constructed and passed by handle; a nil
// *Registry disables monitoring entirely and all methods become no-ops.
//
// Multiple goroutines may report on the same key, but iterations may
// overlap in time and be reported out of order relative to when they
// started. Window and global rollups accept that ordering; it is not
// corrected.
//
// All public operations are serialized by one registry-wide mutex at the
// call boundary; per-key mutexes additionally make each key's
// read-modify-write atomic while distinct keys proceed independently.
type Registry struct {
	mu sync.Mutex

	log    *zap.Logger
	clock  clock.Clock
	probe  EnergyProbe
	sinkFn SinkFactory

	windowSize uint64
	windowHook func(key string, window Accumulator)

	states   map[string]*metricState
	keyLocks map[string]*sync.Mutex
	sinks    map[string]RecordSink
	tracker  *Tracker
	closed   bool
}

type options struct {
	logger       *zap.Logger
	clock        clock.Clock
	windowSize   uint64
	probeFactory ProbeFactory
	sinkFactory  SinkFactory
	windowHook   func(string, Accumulator)
}

// Option configures a Registry at construction.
type Option func(*options)

// WithLogger sets the registry logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithClock injects the time source. Tests use a mock clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithWindowSize overrides the window size from the environment.
func WithWindowSize(n uint64) Option {
	return func(o *options) {
		if n > 0 {
			o.windowSize = n
		}
	}
}

// WithProbeFactory overrides energy probe discovery.
func WithProbeFactory(f ProbeFactory) Option {
	return func(o *options) { o.probeFactory = f }
}

// WithSinkFactory overrides per-key record sink creation.
func WithSinkFactory(f SinkFactory) Option {
	return func(o *options) { o.sinkFactory = f }
}

// WithWindowHook registers a callback invoked at every window rollover with
// the completed window totals, before the window resets. The hook runs
// under the registry locks and must not call back into the registry.
func WithWindowHook(f func(key string, window Accumulator)) Option {
	return func(o *options) { o.windowHook = f }
}

// New creates the registry and registers its first metric key. It attempts
// to attach an energy probe: a probe that does not exist disables energy
// metrics with a warning; a probe that exists but fails to open is dropped
// with a warning and the registry open is retried once without it. A
// failure in that retried open (the record sink) is fatal.
func New(key, workLabel, accLabel string, opts ...Option) (*Registry, error) {
	o := options{
		logger:       zap.NewNop(),
		clock:        clock.New(),
		windowSize:   WindowSizeFromEnv(),
		probeFactory: NewRAPLProbe,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sinkFactory == nil {
		appendMode := AppendModeFromEnv()
		o.sinkFactory = func(key string) (RecordSink, error) {
			return NewCSVSink(".", key, appendMode)
		}
	}

	r := &Registry{
		log:        o.logger,
		clock:      o.clock,
		sinkFn:     o.sinkFactory,
		windowSize: o.windowSize,
		windowHook: o.windowHook,
		states:     make(map[string]*metricState),
		keyLocks:   make(map[string]*sync.Mutex),
		sinks:      make(map[string]RecordSink),
		tracker:    NewTracker(),
	}
	r.attachProbe(o.probeFactory)
	if err := r.addKeyLocked(key, workLabel, accLabel); err != nil {
		if r.probe != nil {
			_ = r.probe.Close()
		}
		return nil, err
	}
	return r, nil
}

// attachProbe resolves the energy-probe lifecycle during init. Probe
// problems degrade capability, they are never fatal here: the fatal path is
// a failure in the subsequent registry open without the probe.
func (r *Registry) attachProbe(factory ProbeFactory) {
	probe, err := factory()
	if err != nil {
		if !errors.Is(err, ErrProbeNotFound) {
			r.log.Error("energy probe construction failed", zap.Error(err))
		}
		r.log.Warn("energy probe unavailable, disabling energy metrics", zap.Error(err))
		return
	}
	if err = probe.Open(); err != nil {
		// Usually means the counters exist but we lack permission to read
		// them, which often requires root.
		r.log.Error("energy probe open failed", zap.Error(err))
		r.log.Warn("retrying monitor init without energy metrics")
		return
	}
	r.probe = probe
	r.log.Info("monitoring energy source attached")
}

// WindowSize returns the configured iteration window length.
func (r *Registry) WindowSize() uint64 {
	if r == nil {
		return DefaultWindowSize
	}
	return r.windowSize
}

// NewOwner allocates an owner identity for a worker goroutine.
func (r *Registry) NewOwner() OwnerID {
	if r == nil {
		return 0
	}
	return r.tracker.NewOwner()
}

// AddKey registers an additional metric key. Safe no-op on a nil or
// finished registry so monitoring can be disabled entirely.
func (r *Registry) AddKey(key, workLabel, accLabel string) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	return r.addKeyLocked(key, workLabel, accLabel)
}

func (r *Registry) addKeyLocked(key, workLabel, accLabel string) error {
	if _, exists := r.states[key]; exists {
		return ErrKeyExists
	}
	sink, err := r.sinkFn(key)
	if err != nil {
		return err
	}
	r.states[key] = &metricState{
		workLabel:  workLabel,
		accLabel:   accLabel,
		lastStamp:  r.clock.Now(),
		lastEnergy: r.sampleEnergy(),
		window:     WindowAccumulator{Size: r.windowSize},
	}
	r.keyLocks[key] = &sync.Mutex{}
	r.sinks[key] = sink
	return nil
}

// IterationStart opens an iteration span for owner under key. It fails
// with ErrSpanCollision if the owner already has an open span for the key.
func (r *Registry) IterationStart(owner OwnerID, key string) (*IterationSpan, error) {
	if r == nil {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil
	}
	lk, ok := r.keyLocks[key]
	if !ok {
		return nil, ErrUnknownKey
	}
	lk.Lock()
	defer lk.Unlock()
	span := &IterationSpan{
		key:         key,
		owner:       owner,
		start:       r.clock.Now(),
		startEnergy: r.sampleEnergy(),
	}
	if err := r.tracker.Push(span); err != nil {
		return nil, err
	}
	return span, nil
}

// IterationComplete closes the span, folds the sample into the instant,
// window, and global accumulators, and logs per the tag rules. The span is
// consumed; completing it twice fails with ErrSpanConsumed.
func (r *Registry) IterationComplete(span *IterationSpan, work, accuracy float64) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if span == nil {
		return ErrNoOpenSpan
	}
	if span.done {
		return ErrSpanConsumed
	}
	lk, ok := r.keyLocks[span.key]
	if !ok {
		return ErrUnknownKey
	}
	lk.Lock()
	defer lk.Unlock()
	if _, err := r.tracker.Pop(span.owner, span.key); err != nil {
		return err
	}
	span.done = true
	r.complete(span.key, span, work, accuracy)
	return nil
}

// Heartbeat completes an iteration for key without a matching span: the
// elapsed time is measured from the previous completion. Used when callers
// intentionally skip IterationStart, e.g. to measure time between pipeline
// results rather than an enclosed interval.
func (r *Registry) Heartbeat(key string, work, accuracy float64) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	lk, ok := r.keyLocks[key]
	if !ok {
		return ErrUnknownKey
	}
	lk.Lock()
	defer lk.Unlock()
	r.complete(key, nil, work, accuracy)
	return nil
}

// complete folds one finished iteration into key's state. Requires the
// registry and key locks.
func (r *Registry) complete(key string, span *IterationSpan, work, accuracy float64) {
	st := r.states[key]
	now := r.clock.Now()
	energy := r.sampleEnergy()

	s := Sample{Work: work, Accuracy: accuracy}
	if span != nil {
		s.Elapsed = now.Sub(span.start)
		s.Energy = energy - span.startEnergy
	} else {
		s.Elapsed = now.Sub(st.lastStamp)
		s.Energy = energy - st.lastEnergy
	}

	st.instant = s
	st.window.Add(s)
	st.global.Add(s)
	st.lastStamp = now
	st.lastEnergy = energy

	tag := st.tag
	st.tag++

	// tag == 0 is the state-establishing call, not a real measurement.
	if tag > 0 {
		r.logInstant(key, st)
		if sink := r.sinks[key]; sink != nil {
			rec := Record{
				Tag:     tag,
				Stamp:   now,
				Instant: st.instant,
				Window:  st.window.Accumulator,
				Global:  st.global,
			}
			if err := sink.WriteRecord(rec); err != nil {
				r.log.Warn("record sink write failed",
					zap.String("key", key), zap.Error(err))
			}
		}
	}
	if (tag+1)%r.windowSize == 0 {
		if tag > 0 {
			r.logWindow(key, st)
		}
		if r.windowHook != nil {
			r.windowHook(key, st.window.Accumulator)
		}
		st.window.Roll()
	}
}

// Finish logs global fields for every key, releases the energy probe and
// record sinks, and clears all state. Safe to call on a nil registry and
// after a previous Finish.
func (r *Registry) Finish() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	var errs error
	for _, key := range r.keysLocked() {
		r.logGlobal(key, r.states[key])
		errs = multierr.Append(errs, r.sinks[key].Close())
	}
	if r.probe != nil {
		errs = multierr.Append(errs, r.probe.Close())
		r.probe = nil
	}
	r.states = nil
	r.keyLocks = nil
	r.sinks = nil
	r.tracker.Clear()
	r.closed = true
	return errs
}

// Keys returns the registered metric keys in sorted order.
func (r *Registry) Keys() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keysLocked()
}

func (r *Registry) keysLocked() []string {
	keys := make([]string, 0, len(r.states))
	for key := range r.states {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// GlobalWork returns the lifetime accumulated work for key.
func (r *Registry) GlobalWork(key string) (float64, error) {
	if r == nil {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[key]
	if !ok {
		return 0, ErrUnknownKey
	}
	return st.global.Work, nil
}

func (r *Registry) sampleEnergy() float64 {
	if r.probe == nil {
		return 0
	}
	reading, err := r.probe.Sample()
	if err != nil {
		r.log.Warn("energy sample failed", zap.Error(err))
		return 0
	}
	return reading.Joules
}

func (r *Registry) logInstant(key string, st *metricState) {
	r.log.Info("instant metrics", scopeFields(key, st,
		st.instant.Elapsed.Seconds(), st.instant.HeartRate(),
		st.instant.Work, st.instant.Perf(),
		st.instant.Energy, st.instant.Power(),
		st.instant.Accuracy, st.instant.AccuracyRate())...)
}

func (r *Registry) logWindow(key string, st *metricState) {
	r.log.Info("window metrics", scopeFields(key, st,
		st.window.Elapsed.Seconds(), st.window.HeartRate(),
		st.window.Work, st.window.Perf(),
		st.window.Energy, st.window.Power(),
		st.window.Accuracy, st.window.AccuracyRate())...)
}

func (r *Registry) logGlobal(key string, st *metricState) {
	r.log.Info("global metrics", scopeFields(key, st,
		st.global.Elapsed.Seconds(), st.global.HeartRate(),
		st.global.Work, st.global.Perf(),
		st.global.Energy, st.global.Power(),
		st.global.Accuracy, st.global.AccuracyRate())...)
}

func scopeFields(key string, st *metricState,
	timeS, heartRate, work, perf, energy, power, acc, accRate float64,
) []zap.Field {
	return []zap.Field{
		zap.String("key", key),
		zap.Float64("time_s", timeS),
		zap.Float64("rate_hb_per_s", heartRate),
		zap.Float64("work", work),
		zap.String("work_type", st.workLabel),
		zap.Float64("perf", perf),
		zap.Float64("energy_j", energy),
		zap.Float64("power_w", power),
		zap.Float64("acc", acc),
		zap.Float64("acc_rate", accRate),
		zap.String("acc_type", st.accLabel),
	}
}
