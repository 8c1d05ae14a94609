// Package gateway defines components that answer external HTTP requests.
//
// Gateways differ from outputs: an output pushes messages from NATS to an
// external system, while a gateway registers request handlers on the process
// HTTP server and answers each request itself.
//
// Implementations by protocol:
//
//   - HTTP: cloud discovery routes (gateway/http/)
package gateway
