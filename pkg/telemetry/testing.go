// ABOUTME: Disabled telemetry for tests that exercise real components without exporting anything

package telemetry

// NewForTesting returns a no-op telemetry instance for use in tests.
func NewForTesting() Telemetry {
	return NewNoop()
}
