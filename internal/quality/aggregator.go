package quality

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Thresholds in dBFS and milliseconds.
const (
	clipWarn         = 5
	clipCritical     = 10
	loudRMS          = -6.0
	quietRMS         = -40.0
	silenceWarnMs    = 30000.0
	silenceCritMs    = 60000.0
	overlapWarnPct   = 20.0
	targetRMSLow     = -26.0
	targetRMSHigh    = -20.0
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Warning types.
const (
	WarnClipping    = "clipping"
	WarnTooLoud     = "too-loud"
	WarnTooQuiet    = "too-quiet"
	WarnLongSilence = "long-silence"
	WarnOverlap     = "overlap"
)

// Sample is one periodic client measurement. ClipCount and SilenceMs are the
// amounts observed since the previous sample.
type Sample struct {
	Timestamp      int64
	RMS            float64
	Peak           float64
	ClipCount      int
	SilenceMs      float64
	SpeechDetected bool
}

type Warning struct {
	Type     string `json:"type"`
	Speaker  string `json:"speaker"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type Speaker struct {
	Samples     int     `json:"samples"`
	MeanRMS     float64 `json:"avgRms"`
	PeakMax     float64 `json:"peak"`
	ClipTotal   int     `json:"clipCount"`
	SilenceMs   float64 `json:"silenceMs"`
	SpeechRatio float64 `json:"speechRatio"`
	LastSample  int64   `json:"lastSampleAt"`
}

// Aggregate is the running state for one recording in one room.
type Aggregate struct {
	RoomID      string              `json:"roomId"`
	RecordingID string              `json:"sessionId"`
	Speakers    map[string]*Speaker `json:"speakers"`
}

// Overlap estimates the share of time both speakers talk at once. It is only
// defined for exactly two speakers.
func (a *Aggregate) Overlap() float64 {
	if len(a.Speakers) != 2 {
		return 0
	}
	lo := math.Inf(1)
	for _, s := range a.Speakers {
		lo = math.Min(lo, s.SpeechRatio)
	}
	return 100 * lo
}

// Update is what one ingested sample produces.
type Update struct {
	Warnings         []Warning `json:"-"`
	EstimatedProfile string    `json:"estimatedProfile"`
	Metrics          Snapshot  `json:"metrics"`
}

// Snapshot is the client view of an aggregate. OverlapKnown is false until
// both speakers have reported to this aggregate; OverlapPercent is then 0 and
// not a measurement.
type Snapshot struct {
	OverlapPercent float64            `json:"overlapPercent"`
	OverlapKnown   bool               `json:"overlapKnown"`
	Speakers       map[string]Speaker `json:"speakers"`
}

type key struct{ room, recording string }

// Aggregator keeps one Aggregate per (room, recording) in process memory.
// Aggregates must be released with Cleanup or CleanupRoom.
type Aggregator struct {
	mu   sync.Mutex
	aggs map[key]*Aggregate
}

func NewAggregator() *Aggregator {
	return &Aggregator{aggs: make(map[key]*Aggregate)}
}

func (a *Aggregator) Ingest(roomID, recordingID, speaker string, s Sample) Update {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := key{roomID, recordingID}
	agg := a.aggs[k]
	if agg == nil {
		agg = &Aggregate{RoomID: roomID, RecordingID: recordingID, Speakers: make(map[string]*Speaker)}
		a.aggs[k] = agg
		gaugeAggregates.Set(float64(len(a.aggs)))
	}
	sp := agg.Speakers[speaker]
	if sp == nil {
		sp = &Speaker{PeakMax: s.Peak}
		agg.Speakers[speaker] = sp
	}

	sp.Samples++
	n := float64(sp.Samples)
	sp.MeanRMS += (s.RMS - sp.MeanRMS) / n
	speech := 0.0
	if s.SpeechDetected {
		speech = 1
	}
	sp.SpeechRatio += (speech - sp.SpeechRatio) / n
	sp.PeakMax = math.Max(sp.PeakMax, s.Peak)
	sp.ClipTotal += s.ClipCount
	sp.SilenceMs += s.SilenceMs
	sp.LastSample = s.Timestamp
	metricSamples.Inc()

	warnings := evaluate(agg, speaker, sp, s)
	for _, w := range warnings {
		metricWarnings.WithLabelValues(w.Type).Inc()
	}
	return Update{
		Warnings:         warnings,
		EstimatedProfile: EstimateProfile(agg),
		Metrics:          snapshot(agg),
	}
}

func evaluate(agg *Aggregate, name string, sp *Speaker, s Sample) []Warning {
	var out []Warning
	if s.ClipCount >= clipWarn {
		sev := SeverityWarning
		if s.ClipCount >= clipCritical {
			sev = SeverityCritical
		}
		out = append(out, Warning{WarnClipping, name, fmt.Sprintf("%d clipped samples, lower the input gain", s.ClipCount), sev})
	}
	if sp.MeanRMS > loudRMS {
		out = append(out, Warning{WarnTooLoud, name, "Input level is too loud", SeverityWarning})
	}
	if sp.MeanRMS < quietRMS && s.SpeechDetected {
		out = append(out, Warning{WarnTooQuiet, name, "Input level is too quiet, move closer to the microphone", SeverityWarning})
	}
	if sp.SilenceMs >= silenceWarnMs {
		sev := SeverityWarning
		if sp.SilenceMs >= silenceCritMs {
			sev = SeverityCritical
		}
		out = append(out, Warning{WarnLongSilence, name, fmt.Sprintf("%.0fs of silence", sp.SilenceMs/1000), sev})
	}
	if len(agg.Speakers) == 2 {
		if ov := agg.Overlap(); ov > overlapWarnPct {
			out = append(out, Warning{WarnOverlap, "both", fmt.Sprintf("Speakers overlap %.0f%% of the time", ov), SeverityWarning})
		}
	}
	return out
}

// EstimateProfile grades an aggregate from P0 (best) to P4. It is a live
// estimate; the processing pipeline produces the final classification.
func EstimateProfile(agg *Aggregate) string {
	if agg == nil || len(agg.Speakers) == 0 {
		return "P4"
	}
	clips := 0
	maxSilence := 0.0
	inRange := true
	for _, s := range agg.Speakers {
		clips += s.ClipTotal
		maxSilence = math.Max(maxSilence, s.SilenceMs)
		if s.MeanRMS < targetRMSLow || s.MeanRMS > targetRMSHigh {
			inRange = false
		}
	}
	overlap := agg.Overlap()
	switch {
	case inRange && clips == 0 && overlap < 5 && maxSilence < silenceWarnMs:
		return "P0"
	case clips <= 5 && overlap < 10:
		return "P1"
	case clips <= 20 && overlap < 20:
		return "P2"
	case clips <= 50:
		return "P3"
	default:
		return "P4"
	}
}

func snapshot(agg *Aggregate) Snapshot {
	out := Snapshot{
		OverlapPercent: agg.Overlap(),
		OverlapKnown:   len(agg.Speakers) == 2,
		Speakers:       make(map[string]Speaker, len(agg.Speakers)),
	}
	for k, s := range agg.Speakers {
		out.Speakers[k] = *s
	}
	return out
}

// Get returns a copy of the aggregate, if any.
func (a *Aggregator) Get(roomID, recordingID string) (*Aggregate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg, ok := a.aggs[key{roomID, recordingID}]
	if !ok {
		return nil, false
	}
	cp := &Aggregate{RoomID: agg.RoomID, RecordingID: agg.RecordingID, Speakers: make(map[string]*Speaker, len(agg.Speakers))}
	for k, s := range agg.Speakers {
		v := *s
		cp.Speakers[k] = &v
	}
	return cp, true
}

func (a *Aggregator) Cleanup(roomID, recordingID string) {
	a.mu.Lock()
	delete(a.aggs, key{roomID, recordingID})
	gaugeAggregates.Set(float64(len(a.aggs)))
	a.mu.Unlock()
}

// CleanupRoom drops every aggregate of roomID.
func (a *Aggregator) CleanupRoom(roomID string) {
	a.mu.Lock()
	for k := range a.aggs {
		if k.room == roomID {
			delete(a.aggs, k)
		}
	}
	gaugeAggregates.Set(float64(len(a.aggs)))
	a.mu.Unlock()
}

// Recordings lists the recording ids held for roomID, sorted.
func (a *Aggregator) Recordings(roomID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for k := range a.aggs {
		if k.room == roomID {
			out = append(out, k.recording)
		}
	}
	sort.Strings(out)
	return out
}
