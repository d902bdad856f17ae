package client

import "time"

type LatencyInfo struct {
	Current time.Duration
	Average time.Duration
	Min     time.Duration
	Max     time.Duration
}

// latencyWindow keeps the most recent round-trip samples.
type latencyWindow struct {
	size    int
	samples []time.Duration
}

func (w *latencyWindow) add(rtt time.Duration) LatencyInfo {
	w.samples = append(w.samples, rtt)
	if len(w.samples) > w.size {
		w.samples = w.samples[len(w.samples)-w.size:]
	}
	return w.info()
}

func (w *latencyWindow) info() LatencyInfo {
	if len(w.samples) == 0 {
		return LatencyInfo{}
	}
	info := LatencyInfo{
		Current: w.samples[len(w.samples)-1],
		Min:     w.samples[0],
		Max:     w.samples[0],
	}
	var sum time.Duration
	for _, s := range w.samples {
		sum += s
		info.Min = min(info.Min, s)
		info.Max = max(info.Max, s)
	}
	info.Average = sum / time.Duration(len(w.samples))
	return info
}

func (w *latencyWindow) reset() {
	w.samples = nil
}
