package metrics

// Policy decides which collector a metric name is backed by and how repeated
// reports combine.
type Policy int

const (
	PolicyNone      Policy = iota // treated as PolicySum
	PolicySet                     // gauge, last value wins
	PolicySum                     // counter
	PolicyAvg                     // summary
	PolicyMax                     // gauge, keeps the maximum
	PolicyMin                     // gauge, keeps the minimum
	PolicyMid                     // summary with a 0.5 objective
	PolicyStopwatch               // histogram of seconds
	PolicyHistogram               // histogram
)

// String names the policy.
func (p Policy) String() string {
	switch p {
	case PolicySet:
		return "set"
	case PolicySum, PolicyNone:
		return "sum"
	case PolicyAvg:
		return "avg"
	case PolicyMax:
		return "max"
	case PolicyMin:
		return "min"
	case PolicyMid:
		return "mid"
	case PolicyStopwatch:
		return "stopwatch"
	case PolicyHistogram:
		return "histogram"
	}
	return "unknown"
}

// Value is a single metric sample.
type Value float64

// Dimension labels a sample, e.g. {"transport": "udp"}. The set of keys
// used with one metric name must stay fixed.
type Dimension map[string]string
