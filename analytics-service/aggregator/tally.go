package aggregator

import (
	"encoding/json"
	"time"

	"task-pipeline/domain"
)

// Tally is the running count of stream events. LastEvent holds the most
// recent stream value exactly as it was read, unknown fields included.
type Tally struct {
	Total     int64            `json:"total"`
	ByType    map[string]int64 `json:"byType"`
	LastEvent json.RawMessage  `json:"lastEvent"`
}

func newTally() Tally {
	return Tally{ByType: make(map[string]int64)}
}

// Last decodes LastEvent. It reports false when no event has been seen or
// the stored value is not an envelope.
func (t Tally) Last() (domain.Envelope, bool) {
	if len(t.LastEvent) == 0 {
		return domain.Envelope{}, false
	}
	env, err := domain.DecodeEnvelope(t.LastEvent)
	if err != nil {
		return domain.Envelope{}, false
	}
	return env, true
}

// Clone returns a copy that shares no memory with t.
func (t Tally) Clone() Tally {
	out := Tally{Total: t.Total, ByType: make(map[string]int64, len(t.ByType))}
	for k, v := range t.ByType {
		out.ByType[k] = v
	}
	if t.LastEvent != nil {
		out.LastEvent = append(json.RawMessage(nil), t.LastEvent...)
	}
	return out
}

// Merge sums tallies from several instances. The most recent event by its
// timestamp becomes the merged last event.
func Merge(tallies ...Tally) Tally {
	out := newTally()
	var latest string
	for _, t := range tallies {
		out.Total += t.Total
		for k, v := range t.ByType {
			out.ByType[k] += v
		}
		ev, ok := t.Last()
		if !ok {
			continue
		}
		if out.LastEvent == nil || later(ev.At, latest) {
			out.LastEvent = t.LastEvent
			latest = ev.At
		}
	}
	return out.Clone()
}

func later(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		return a > b
	}
	return ta.After(tb)
}
