package sandkit

import "fmt"

// ConfigError reports missing or invalid construction parameters. It
// is surfaced before any network interaction and never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// StateError reports an operation invoked while the session is in the
// wrong state, such as closing a session that never connected.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s: session is %s", e.Op, e.State)
}
