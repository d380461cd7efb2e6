package ingest

import "sync"

// Phase names, in execution order.
const (
	PhaseResolve   = "resolve"
	PhasePrepare   = "prepare"
	PhaseEnumerate = "enumerate"
	PhaseChunk     = "chunk"
	PhaseEmbed     = "embed"
	PhaseWrite     = "write"
	PhaseFinalize  = "finalize"
)

// phaseRanges maps each phase to its slice of the overall 0-100 bar.
var phaseRanges = map[string][2]int{
	PhaseResolve:   {0, 5},
	PhasePrepare:   {5, 10},
	PhaseEnumerate: {10, 20},
	PhaseChunk:     {20, 40},
	PhaseEmbed:     {40, 80},
	PhaseWrite:     {80, 95},
	PhaseFinalize:  {95, 100},
}

// Progress is one progress report.
type Progress struct {
	Phase      string
	Current    int
	Total      int
	Percentage int // overall 0-100, monotonic
	Detail     string
}

// ProgressFunc receives progress reports. May be nil.
type ProgressFunc func(Progress)

// progressMapper converts within-phase progress to a monotonic overall
// percentage so the bar never jumps backwards across phase boundaries.
type progressMapper struct {
	mu   sync.Mutex
	last int
	cb   ProgressFunc
}

func newProgressMapper(cb ProgressFunc) *progressMapper {
	return &progressMapper{cb: cb}
}

// report emits a progress event for current/total within phase.
func (m *progressMapper) report(phase string, current, total int, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := phaseRanges[phase]
	overall := m.last
	if ok {
		frac := 1.0
		if total > 0 {
			frac = float64(current) / float64(total)
			if frac > 1 {
				frac = 1
			}
		}
		overall = r[0] + int(frac*float64(r[1]-r[0]))
		if overall < m.last {
			overall = m.last
		}
	}
	m.last = overall

	if m.cb != nil {
		m.cb(Progress{Phase: phase, Current: current, Total: total, Percentage: overall, Detail: detail})
	}
}

func (m *progressMapper) current() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
