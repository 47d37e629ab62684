package epoch

import "sync"

var (
	defaultOnce      sync.Once
	defaultCollector *Collector
)

// Default returns the process-wide collector, creating it on first use.
func Default() *Collector {
	defaultOnce.Do(func() {
		defaultCollector = NewCollector(WithName("default"))
	})
	return defaultCollector
}

// Pin pins the default collector.
func Pin() *Guard {
	return Default().Pin()
}

// Flush flushes the default collector.
func Flush() {
	Default().Flush()
}
