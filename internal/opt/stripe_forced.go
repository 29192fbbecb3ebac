//go:build trilock_disable_padding

package opt

// CounterStripe_ represents a striped counter to reduce contention.
// Padding is force-disabled via the trilock_disable_padding build tag.
// Use: go build -tags=trilock_disable_padding
type CounterStripe_ struct {
	C uintptr // Counter value, accessed atomically
}
