// Package sites derives the per-site trial table of a VR-foraging session
// from its software events and Harp registers.
package sites

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/mod/semver"

	"github.com/nucleus/nwb-capsule/internal/frame"
)

// ParserVersion is the newest contract version this package understands.
const ParserVersion = "0.6.0"

// odorSpecVersion is the first version with the newer odor specification
// layout, which is not parsed yet.
const odorSpecVersion = "0.7.0"

// odorOnsetTolerance is how far before a site an odor onset may land and
// still be attributed to it.
const odorOnsetTolerance = 0.002

// Stream names relative to the top-level collection.
const (
	StreamActiveSite           = "SoftwareEvents.ActiveSite"
	StreamActivePatch          = "SoftwareEvents.ActivePatch"
	StreamBlock                = "SoftwareEvents.Block"
	StreamGiveReward           = "SoftwareEvents.GiveReward"
	StreamWaitRewardOutcome    = "SoftwareEvents.WaitRewardOutcome"
	StreamPwmStart             = "HarpBehavior.PwmStart"
	StreamOutputSet            = "HarpBehavior.OutputSet"
	StreamEndValveState        = "HarpOlfactometer.EndValveState"
	StreamBrakeCurrentSetPoint = "HarpTreadmill.BrakeCurrentSetPoint"
)

// ErrProcessing marks inconsistencies found while deriving sites.
var ErrProcessing = errors.New("sites")

// Source gives access to loaded streams by their name below the top level.
type Source interface {
	Frame(name string) (*frame.Frame, bool)
}

// MapSource is a Source backed by a map.
type MapSource map[string]*frame.Frame

// Frame implements Source.
func (m MapSource) Frame(name string) (*frame.Frame, bool) {
	f, ok := m[name]
	return f, ok
}

// Processor builds sites from one session.
type Processor struct {
	Source  Source
	Version string
	// Strict turns recoverable inconsistencies into errors.
	Strict bool
	Log    logrus.FieldLogger
}

// NewProcessor returns a processor and warns when the dataset version
// differs from ParserVersion.
func NewProcessor(src Source, version string, strict bool, log logrus.FieldLogger) (*Processor, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if !semver.IsValid(canonical(version)) {
		return nil, fmt.Errorf("%w: invalid dataset version %q", ErrProcessing, version)
	}
	if semver.Compare(canonical(version), canonical(ParserVersion)) != 0 {
		log.WithFields(logrus.Fields{"dataset_version": version, "parser_version": ParserVersion}).
			Warn("dataset version does not match parser version")
	}
	return &Processor{Source: src, Version: version, Strict: strict, Log: log}, nil
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func (p *Processor) before(v string) bool {
	return semver.Compare(canonical(p.Version), canonical(v)) < 0
}

// ChannelCount is the number of odor channels on the olfactometer. Channel
// 3 carries air, so three channels hold odor.
func (p *Processor) ChannelCount() (int, error) {
	if p.before(odorSpecVersion) {
		return 3, nil
	}
	return 0, fmt.Errorf("%w: olfactometer channel count not implemented for version %s", ErrProcessing, p.Version)
}

// OdorConcentration spreads an odor specification over the channels.
// A missing specification is all zeros.
func (p *Processor) OdorConcentration(spec gjson.Result, channels int) ([]float64, error) {
	out := make([]float64, channels)
	if !spec.Exists() || spec.Type == gjson.Null {
		return out, nil
	}
	if !p.before(odorSpecVersion) {
		return nil, fmt.Errorf("%w: odor specification not implemented for version %s", ErrProcessing, p.Version)
	}
	idx := spec.Get("index")
	if idx.Type != gjson.Number || idx.Float() != float64(idx.Int()) {
		return nil, fmt.Errorf("%w: odor_specification.index must be an int", ErrProcessing)
	}
	i := int(idx.Int())
	if i < 0 || i >= channels {
		return nil, fmt.Errorf("%w: odor channel %d out of range", ErrProcessing, i)
	}
	out[i] = spec.Get("concentration").Float()
	return out, nil
}

// fail returns an error in strict mode and logs a warning otherwise.
func (p *Processor) fail(site int, msg string) error {
	if p.Strict {
		return fmt.Errorf("%w: site %d: %s", ErrProcessing, site, msg)
	}
	p.Log.WithField("site", site).Warn(msg)
	return nil
}

// event is a timestamped row of a stream.
type event struct {
	t    float64
	data gjson.Result
	num  float64
}

func (p *Processor) frame(name string) (*frame.Frame, error) {
	f, ok := p.Source.Frame(name)
	if !ok {
		return nil, fmt.Errorf("%w: stream %s not loaded", ErrProcessing, name)
	}
	return f, nil
}

// softwareEvents returns the rows of a software events stream in time order.
func (p *Processor) softwareEvents(name string) ([]event, error) {
	f, err := p.frame(name)
	if err != nil {
		return nil, err
	}
	ts, ok1 := f.Column("timestamp")
	data, ok2 := f.Column("data")
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: %s is not a software events stream", ErrProcessing, name)
	}
	out := make([]event, 0, f.Len())
	for i := 0; i < f.Len(); i++ {
		raw := ""
		if !data.IsNull(i) {
			raw = data.Strs[i]
		}
		d := gjson.Parse(raw)
		out = append(out, event{t: ts.Float64(i), data: d, num: d.Float()})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].t < out[b].t })
	return out, nil
}

// writes returns WRITE messages of a register, with the named column.
func (p *Processor) writes(name, column string) ([]float64, *frame.Column, []int, error) {
	f, err := p.frame(name)
	if err != nil {
		return nil, nil, nil, err
	}
	secs, ok1 := f.Column("Seconds")
	kind, ok2 := f.Column("MessageType")
	col, ok3 := f.Column(column)
	if !ok1 || !ok2 || !ok3 {
		return nil, nil, nil, fmt.Errorf("%w: %s has no %s column", ErrProcessing, name, column)
	}
	var ts []float64
	var rows []int
	for i := 0; i < f.Len(); i++ {
		if kind.IsNull(i) || kind.Strs[i] != "WRITE" {
			continue
		}
		ts = append(ts, secs.Float64(i))
		rows = append(rows, i)
	}
	return ts, col, rows, nil
}

// flagged returns the times of WRITE messages where column is set.
func (p *Processor) flagged(name, column string) ([]float64, error) {
	ts, col, rows, err := p.writes(name, column)
	if err != nil {
		return nil, err
	}
	var out []float64
	for j, i := range rows {
		if col.Truth(i) {
			out = append(out, ts[j])
		}
	}
	return sorted(out), nil
}

// risingEdges returns the times column turns on across WRITE messages.
func (p *Processor) risingEdges(name, column string) ([]float64, error) {
	ts, col, rows, err := p.writes(name, column)
	if err != nil {
		return nil, err
	}
	var out []float64
	prev := false
	for j, i := range rows {
		on := col.Truth(i)
		if on && !prev {
			out = append(out, ts[j])
		}
		prev = on
	}
	return sorted(out), nil
}

func sorted(v []float64) []float64 {
	sort.Float64s(v)
	return v
}

// between returns the half-open range [start, end) of ts, which is sorted.
func between(ts []float64, start, end float64) []float64 {
	lo := sort.SearchFloat64s(ts, start)
	hi := sort.SearchFloat64s(ts, end)
	if hi < lo {
		hi = lo
	}
	return ts[lo:hi]
}

func eventsBetween(ev []event, start, end float64) []event {
	lo := sort.Search(len(ev), func(i int) bool { return ev[i].t >= start })
	hi := sort.Search(len(ev), func(i int) bool { return ev[i].t >= end })
	if hi < lo {
		hi = lo
	}
	return ev[lo:hi]
}

// lastAtOrBefore returns the index of the last event at or before t, or -1.
func lastAtOrBefore(ev []event, t float64) int {
	return sort.Search(len(ev), func(i int) bool { return ev[i].t > t }) - 1
}
