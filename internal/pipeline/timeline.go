package pipeline

// Accumulator collects the timeline of one job and tracks the peak count of
// each category seen in any single frame
type Accumulator struct {
	fps      float64
	timeline Timeline
	peak     Counts
}

// NewAccumulator creates an accumulator for a video played at fps. Fractional
// rates are truncated.
func NewAccumulator(fps float64) *Accumulator {
	return &Accumulator{
		fps:      WholeFPS(fps),
		timeline: make(Timeline, 0),
		peak:     NewCounts(),
	}
}

// Append records one frame and folds its counts into the running maxima.
// Frames without detections are recorded too.
func (a *Accumulator) Append(frameIndex int, detections []Detection, counts Counts) FrameRecord {
	if detections == nil {
		detections = []Detection{}
	}
	record := FrameRecord{
		Frame:      frameIndex,
		Time:       a.timestamp(frameIndex),
		Detections: detections,
		Counts:     counts,
	}
	a.timeline = append(a.timeline, record)

	for _, c := range Categories {
		if counts[c] > a.peak[c] {
			a.peak[c] = counts[c]
		}
	}
	return record
}

// Timeline returns the records appended so far
func (a *Accumulator) Timeline() Timeline {
	return a.timeline
}

// Peak returns a copy of the running per-category maxima
func (a *Accumulator) Peak() Counts {
	return a.peak.Clone()
}

// Len returns the number of recorded frames
func (a *Accumulator) Len() int {
	return len(a.timeline)
}

func (a *Accumulator) timestamp(frameIndex int) float64 {
	// Some containers report no frame rate; keep timestamps at zero then
	if a.fps <= 0 {
		return 0
	}
	return float64(frameIndex) / a.fps
}
