package keys

import "strings"

// Window key namespaces. A transaction lands in up to three windows: the
// pool window of its recipient contract, the fan-out window of its sender
// and the fan-in window of its recipient.
const (
	poolPrefix   = "pool:"
	fanOutPrefix = "out:"
	fanInPrefix  = "in:"
)

// Pool returns the window key for transactions targeting a contract.
func Pool(addr string) string {
	return poolPrefix + strings.ToLower(addr)
}

// FanOut returns the window key tracking a sender's counterparties.
func FanOut(addr string) string {
	return fanOutPrefix + strings.ToLower(addr)
}

// FanIn returns the window key tracking a recipient's counterparties.
func FanIn(addr string) string {
	return fanInPrefix + strings.ToLower(addr)
}
