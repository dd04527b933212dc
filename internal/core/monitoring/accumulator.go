package monitoring

import "time"

// Sample is one completed iteration: elapsed wall time plus the work,
// accuracy, and energy payloads reported for it. Accuracy is an opaque
// numeric payload; its meaning is given by the key's accuracy label.
type Sample struct {
	Elapsed  time.Duration
	Work     float64
	Accuracy float64
	Energy   float64 // Joules
}

// HeartRate returns heartbeats per second for the sample (always one beat).
func (s Sample) HeartRate() float64 {
	return rate(1, s.Elapsed)
}

// Perf returns work per second.
func (s Sample) Perf() float64 {
	return rate(s.Work, s.Elapsed)
}

// Power returns Watts.
func (s Sample) Power() float64 {
	return rate(s.Energy, s.Elapsed)
}

// AccuracyRate returns accuracy units per second.
func (s Sample) AccuracyRate() float64 {
	return rate(s.Accuracy, s.Elapsed)
}

// Accumulator holds running totals for one scope of one metric key.
// It has no locking of its own; the registry serializes all mutation.
type Accumulator struct {
	Elapsed  time.Duration
	Work     float64
	Accuracy float64
	Energy   float64
	Beats    uint64
}

// Add folds one completed sample into the running totals.
func (a *Accumulator) Add(s Sample) {
	a.Elapsed += s.Elapsed
	a.Work += s.Work
	a.Accuracy += s.Accuracy
	a.Energy += s.Energy
	a.Beats++
}

// HeartRate returns heartbeats per second over the accumulated period.
func (a *Accumulator) HeartRate() float64 {
	return rate(float64(a.Beats), a.Elapsed)
}

// Perf returns work per second over the accumulated period.
func (a *Accumulator) Perf() float64 {
	return rate(a.Work, a.Elapsed)
}

// Power returns Watts over the accumulated period.
func (a *Accumulator) Power() float64 {
	return rate(a.Energy, a.Elapsed)
}

// AccuracyRate returns accuracy units per second over the accumulated period.
func (a *Accumulator) AccuracyRate() float64 {
	return rate(a.Accuracy, a.Elapsed)
}

// WindowAccumulator is an Accumulator that is rolled (reset) every
// windowSize completed iterations. Window values are only meaningful on a
// completion where (tag+1) % windowSize == 0; the registry enforces that by
// logging window fields only at rollover.
type WindowAccumulator struct {
	Accumulator
	Size uint64
}

// Roll resets the window totals for the next window period.
func (w *WindowAccumulator) Roll() {
	w.Accumulator = Accumulator{}
}

// metricState is the full per-key monitoring state. tag counts completed
// iterations since key creation; tag == 0 marks the state-establishing call
// and is never logged.
type metricState struct {
	workLabel string
	accLabel  string

	tag        uint64
	lastStamp  time.Time // end of the previous heartbeat
	lastEnergy float64   // cumulative probe reading at the previous heartbeat

	instant Sample
	window  WindowAccumulator
	global  Accumulator
}

func rate(v float64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return v / d.Seconds()
}
