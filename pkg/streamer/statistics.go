package streamer

// Statistic is one named sample reported by a stage.
type Statistic struct {
	Scope string
	Name  string
	Value float64
}

// NewStatistic is shorthand for a Statistic literal.
func NewStatistic(scope, name string, value float64) Statistic {
	return Statistic{Scope: scope, Name: name, Value: value}
}

// AverageWindow keeps the last N samples and reports their sum and mean.
// The zero value is unusable; use NewAverageWindow.
type AverageWindow struct {
	samples []float64
	next    int
	count   int
	sum     float64
}

// NewAverageWindow creates a window over size samples.
func NewAverageWindow(size int) *AverageWindow {
	if size < 1 {
		size = 1
	}
	return &AverageWindow{samples: make([]float64, size)}
}

// Push adds a sample, evicting the oldest once the window is full.
func (w *AverageWindow) Push(v float64) {
	if w.count == len(w.samples) {
		w.sum -= w.samples[w.next]
	} else {
		w.count++
	}
	w.samples[w.next] = v
	w.sum += v
	w.next = (w.next + 1) % len(w.samples)
}

// Sum returns the sum of the samples in the window.
func (w *AverageWindow) Sum() float64 { return w.sum }

// Count returns the number of samples in the window.
func (w *AverageWindow) Count() int { return w.count }

// Average returns the mean, or 0 for an empty window.
func (w *AverageWindow) Average() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

// Reset empties the window.
func (w *AverageWindow) Reset() {
	clear(w.samples)
	w.next, w.count, w.sum = 0, 0, 0
}
