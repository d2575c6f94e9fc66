// Package device defines the capability surface between the connection
// core and pluggable transport bindings.
//
// A binding provides an Adapter that dials addressable peripherals and
// returns Sessions. The core never depends on a concrete transport: it
// discovers optional capabilities (reconnect, forget, availability,
// unexpected-disconnect notification) through interface assertions and
// degrades gracefully when a binding does not implement them.
//
// The package also carries the shared error taxonomy. Transport errors
// arrive as opaque strings; NormalizeError folds the known ones into
// structured errors so the retry classifier and the pool can reason
// about them without string matching of their own.
package device
