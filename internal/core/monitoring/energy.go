package monitoring

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Reading is one cumulative energy sample.
type Reading struct {
	Joules float64 // total energy since Open
	At     time.Time
}

// EnergyProbe samples a hardware or OS energy counter. A probe is opened
// once and closed once, both under the registry's global lock. Probe
// absence only zeroes the energy and power fields of metrics; it never
// fails the pipeline.
type EnergyProbe interface {
	Open() error
	Sample() (Reading, error)
	Close() error
}

// ProbeFactory constructs an energy probe. It returns ErrProbeNotFound when
// no probe exists on this machine; any other error is a construction
// failure.
type ProbeFactory func() (EnergyProbe, error)

const powercapRoot = "/sys/class/powercap"

// raplProbe reads the Linux powercap (RAPL) cumulative energy counters.
// Counters are in microjoules and wrap at max_energy_range_uj; Sample
// unwraps using the last raw value per zone.
type raplProbe struct {
	zones  []raplZone
	baseUJ float64
	open   bool
}

type raplZone struct {
	energyPath string
	maxRangeUJ float64
	lastRawUJ  float64
	wrapUJ     float64
}

// NewRAPLProbe discovers top-level RAPL zones under /sys/class/powercap.
// It returns ErrProbeNotFound when the powercap tree or zones are absent.
func NewRAPLProbe() (EnergyProbe, error) {
	entries, err := os.ReadDir(powercapRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProbeNotFound, powercapRoot)
	}
	probe := &raplProbe{}
	for _, e := range entries {
		name := e.Name()
		// Top-level package zones only ("intel-rapl:N"); subzones would
		// double-count package energy.
		if !strings.HasPrefix(name, "intel-rapl:") || strings.Count(name, ":") != 1 {
			continue
		}
		zoneDir := filepath.Join(powercapRoot, name)
		zone := raplZone{energyPath: filepath.Join(zoneDir, "energy_uj")}
		if maxRange, rerr := readCounter(filepath.Join(zoneDir, "max_energy_range_uj")); rerr == nil {
			zone.maxRangeUJ = maxRange
		}
		probe.zones = append(probe.zones, zone)
	}
	if len(probe.zones) == 0 {
		return nil, fmt.Errorf("%w: no RAPL zones under %s", ErrProbeNotFound, powercapRoot)
	}
	return probe, nil
}

// Open reads each zone counter once to establish the baseline. Reading
// energy_uj commonly requires elevated permissions; failures are reported
// as ErrProbeOpen so the registry can fall back to running without energy
// metrics.
func (p *raplProbe) Open() error {
	total := 0.0
	for i := range p.zones {
		raw, err := readCounter(p.zones[i].energyPath)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrProbeOpen, p.zones[i].energyPath, err)
		}
		p.zones[i].lastRawUJ = raw
		p.zones[i].wrapUJ = 0
		total += raw
	}
	p.baseUJ = total
	p.open = true
	return nil
}

func (p *raplProbe) Sample() (Reading, error) {
	if !p.open {
		return Reading{}, ErrProbeClosed
	}
	total := 0.0
	for i := range p.zones {
		z := &p.zones[i]
		raw, err := readCounter(z.energyPath)
		if err != nil {
			return Reading{}, err
		}
		if raw < z.lastRawUJ && z.maxRangeUJ > 0 {
			z.wrapUJ += z.maxRangeUJ
		}
		z.lastRawUJ = raw
		total += raw + z.wrapUJ
	}
	return Reading{
		Joules: (total - p.baseUJ) / 1e6,
		At:     time.Now(),
	}, nil
}

func (p *raplProbe) Close() error {
	p.open = false
	return nil
}

func readCounter(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return float64(v), nil
}

// noopProbe satisfies EnergyProbe with zero readings. Used when no hardware
// probe is available and monitoring should proceed without energy metrics.
type noopProbe struct{}

// NewNoopProbe returns a probe that always reads zero energy.
func NewNoopProbe() EnergyProbe { return noopProbe{} }

func (noopProbe) Open() error { return nil }

func (noopProbe) Sample() (Reading, error) {
	return Reading{At: time.Now()}, nil
}

func (noopProbe) Close() error { return nil }
