package buffer

// Strategy is an access strategy hint for buffer replacement.
type Strategy int

const (
	// StrategyNormal uses the shared LRU.
	StrategyNormal Strategy = iota
	// StrategyBulkRead recycles frames from a private ring during large sequential scans.
	StrategyBulkRead
	// StrategyVacuum is the ring used by garbage collection and vacuum passes.
	StrategyVacuum
)

// DefaultRingSize is the number of frames a bulk strategy may occupy.
const DefaultRingSize = 32

func (s Strategy) String() string {
	switch s {
	case StrategyNormal:
		return "normal"
	case StrategyBulkRead:
		return "bulkread"
	case StrategyVacuum:
		return "vacuum"
	default:
		return "unknown"
	}
}
