package drain

// Response metadata exchanged between provider and consumer. Streaming
// responses carry the same names as SSE comments (": X-DRAIN-Cost: 123").
const (
	HeaderCost      = "X-DRAIN-Cost"
	HeaderTotal     = "X-DRAIN-Total"
	HeaderRemaining = "X-DRAIN-Remaining"
	HeaderChannel   = "X-DRAIN-Channel"
	HeaderError     = "X-DRAIN-Error"
	HeaderRequired  = "X-DRAIN-Required"
	HeaderProvided  = "X-DRAIN-Provided"
)
