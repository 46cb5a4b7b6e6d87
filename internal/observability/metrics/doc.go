// Package metrics registers the Prometheus collectors for the HTTP layer and
// the scheduler loop.
package metrics
