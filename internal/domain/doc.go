// Package domain holds the wire types shared by the aggregator, its
// downstream client and the stub backend: resource kinds, tracking statuses
// and the aggregated request/response shapes.
package domain
