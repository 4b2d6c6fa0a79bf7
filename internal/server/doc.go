// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the target registry that maps an inbound Host onto the recording engine
// of one configured upstream. Engines are built through an injected factory so
// the proxy layer can depend on this package without a cycle.
package server
