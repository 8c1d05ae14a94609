// Package tagstreams bridges Wireless Sensor Tags cloud accounts onto NATS
// subjects and MQTT topics.
//
// # Overview
//
// A tagstreams process holds one authenticated session per configured cloud
// account and runs sensor nodes against those sessions. Each node discovers
// tag managers, tags and sensors, polls for updated tag data, and publishes
// one message per sensor reading. Messages routed back to a node change
// sensor configuration or trigger an immediate update.
//
// # Architecture
//
//	cloud account ──► cloud.Session ──► tagupdate.Registry (poll loop)
//	                                        │
//	                                        ▼
//	                       input/wirelesstag (sensor node)
//	                         │ outbound.Builder       ▲ router.Router
//	                         ▼                        │
//	                  NATS data subject         NATS inbound subject
//	                         │
//	                         ▼
//	                    output/mqtt ──► MQTT broker
//
// gateway/http serves read-only discovery routes (tag managers, tags and
// sensors) on the process HTTP server.
//
// # Packages
//
//   - cloud: platform client interface, sessions and the session registry
//   - cloud/simulator: in-memory platform backed by a YAML fixture
//   - tagupdate: per-cloud polling of updated tags fanned out to listeners
//   - tagresolve: resolution of tag managers, tags and sensors by id
//   - outbound: sensor reading message construction
//   - router: inbound message dispatch and sensor config deep merge
//   - nodestate: node status machine and status reporters
//   - input/wirelesstag: the sensor node components
//   - output/mqtt: NATS to MQTT bridge
//   - gateway/http: discovery HTTP routes
//   - component, config, errors, metric, natsclient, health: framework
//
// # Running
//
//	tagstreams --config configs/config.json
//
// The example configuration drives a simulated cloud, so it runs without an
// account.
package tagstreams
