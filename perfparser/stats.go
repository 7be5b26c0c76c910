package perfparser

// PerfEventStats tallies how many events of each kind were parsed, and
// how well sample events resolved to a DSO.
type PerfEventStats struct {
	NumSampleEvents       uint32
	NumMmapEvents         uint32
	NumCommEvents         uint32
	NumForkEvents         uint32
	NumExitEvents         uint32
	NumSampleEventsMapped uint32
	DidRemap              bool
}

// MappedFraction returns the fraction of sample events that resolved to
// a DSO, in [0, 1]. It returns 1 when there were no sample events.
func (s PerfEventStats) MappedFraction() float64 {
	if s.NumSampleEvents == 0 {
		return 1
	}
	return float64(s.NumSampleEventsMapped) / float64(s.NumSampleEvents)
}
