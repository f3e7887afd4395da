// Package metrics holds the Prometheus collectors and feeds them from the
// event bus, so components publish events instead of touching collectors.
package metrics
