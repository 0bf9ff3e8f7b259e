// Package http implements the admin HTTP endpoint of the cache server.
//
// The endpoint is meant for operators and monitoring, cache traffic uses the
// memcache text protocol on the socket transports. Routing is done with
// gorilla/mux, json bodies are encoded with goccy/go-json and /metrics exposes
// every metric registered with VictoriaMetrics/metrics in the Prometheus text
// format.
//
// Endpoints:
//
//   - GET /metrics: Prometheus exposition (session counters, engine gauges,
//     process metrics)
//
//   - GET /stats: The statistics document of the server as json
//
//   - GET /health: 200 while the cache accepts requests, 503 after it closed
//
//   - POST /flush_all: Invalidates all objects
package http
