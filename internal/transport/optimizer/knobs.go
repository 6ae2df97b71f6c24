package optimizer

// Tuning is the set of generic tuning knobs spec.md §4.E lists:
// buffer_size, timeout, concurrency, compression. Zero values mean "use
// the adapter's own default".
type Tuning struct {
	BufferSize  int
	Timeout     int // milliseconds
	Concurrency int
	Compression bool
}

// Capability probes let Apply only touch settings the target adapter
// actually advertises, instead of assuming every knob applies universally.
type (
	bufferSizeCapable  interface{ SetBufferSize(int) }
	timeoutCapable     interface{ SetTimeout(int) }
	concurrencyCapable interface{ SetConcurrency(int) }
	compressionCapable interface{ SetCompression(bool) }
)

// Apply applies each non-zero field of t to target, but only for the
// capabilities target actually implements (spec.md §4.E: "applied only
// if the target adapter advertises the corresponding capability").
func Apply(target any, t Tuning) {
	if t.BufferSize > 0 {
		if c, ok := target.(bufferSizeCapable); ok {
			c.SetBufferSize(t.BufferSize)
		}
	}
	if t.Timeout > 0 {
		if c, ok := target.(timeoutCapable); ok {
			c.SetTimeout(t.Timeout)
		}
	}
	if t.Concurrency > 0 {
		if c, ok := target.(concurrencyCapable); ok {
			c.SetConcurrency(t.Concurrency)
		}
	}
	if t.Compression {
		if c, ok := target.(compressionCapable); ok {
			c.SetCompression(true)
		}
	}
}
