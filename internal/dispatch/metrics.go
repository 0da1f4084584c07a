package dispatch

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
)

// The objective reports metrics by appending JSON lines to the metrics file
// in its trial directory:
//
//	{"step": 1, "value": 0.53}
//	{"step": 2, "val_acc": 0.61}
//	{"final": true, "value": 0.64}
//
// Intermediate lines carry a step; the final line carries the trial's value.
// A line may name the value either "value" or by the configured metric name.
// If the process exits cleanly without a final line, the last intermediate
// value stands in for it.

type metricLine struct {
	Step  *int `json:"step"`
	Final bool `json:"final"`
}

// metricsReader incrementally tails a metrics file across polls. Only
// complete lines advance the offset, so a partially flushed line is picked
// up whole on the next poll.
type metricsReader struct {
	path   string
	metric string
	offset int64

	lastValue  float64
	finalValue float64
	hasLast    bool
	hasFinal   bool
}

func newMetricsReader(path, metric string) *metricsReader {
	return &metricsReader{path: path, metric: metric}
}

func (r *metricsReader) drain() ([]MetricEvent, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // objective has not reported yet
		}
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var events []MetricEvent
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break // incomplete line, re-read next drain
		}
		line := data[:idx]
		data = data[idx+1:]
		r.offset += int64(idx + 1)

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if event, ok := r.parseLine(line); ok {
			events = append(events, event)
		}
	}
	return events, nil
}

func (r *metricsReader) parseLine(line []byte) (MetricEvent, bool) {
	var meta metricLine
	if err := json.Unmarshal(line, &meta); err != nil {
		return MetricEvent{}, false
	}

	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		return MetricEvent{}, false
	}

	value, ok := fields["value"].(float64)
	if !ok {
		value, ok = fields[r.metric].(float64)
		if !ok {
			return MetricEvent{}, false
		}
	}

	if meta.Final {
		r.finalValue = value
		r.hasFinal = true
		return MetricEvent{}, false
	}

	r.lastValue = value
	r.hasLast = true
	if meta.Step == nil {
		return MetricEvent{}, false
	}
	return MetricEvent{Step: *meta.Step, Value: value}, true
}

// final returns the trial's terminal value, falling back to the last
// intermediate report if the objective never wrote a final line.
func (r *metricsReader) final() (float64, bool) {
	if r.hasFinal {
		return r.finalValue, true
	}
	if r.hasLast {
		return r.lastValue, true
	}
	return 0, false
}
