// Package app provides the application service layer.
//
// Orchestrates task use cases: every successful mutation is announced through the fan-out
// publisher so all connected clients, on every instance, observe it. Depends on domain
// interfaces, not concrete implementations.
package app
