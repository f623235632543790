package pdu

// Config carries the process-level defaults that would otherwise live in
// global mutable state. It is threaded explicitly through constructors
// rather than read from a package-level variable.
type Config struct {
	// RouteAware makes Address.Hash fold in the Route field in addition to
	// (type, net, addr). Address.Equal ignores Route regardless.
	RouteAware bool
}

// DefaultConfig returns the non-route-aware default.
func DefaultConfig() Config {
	return Config{RouteAware: false}
}
