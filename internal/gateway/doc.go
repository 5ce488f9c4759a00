// Package gateway wires the inbox gateway server together.
//
// # Overview
//
// Gateway owns every long-lived component: the SQLite state store, the
// conversation log, the media store, channel adapters, the outbound
// dispatcher, the flow engine, the ingestion pipeline and the realtime hub.
// It serves HTTP for webhooks, the operator API and websocket clients, and
// gRPC for health checks.
//
// # HTTP Routes
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (database ping)
//   - GET /webhooks/cloud - Cloud API subscription handshake
//   - POST /webhooks/cloud - Cloud API notifications
//   - POST /webhooks/session/{sessionID} - Events from an external session client
//   - POST /api/send - Manual reply into a conversation
//   - GET /api/conversations/{chatKey}/messages - Conversation tail
//   - POST /api/conversations/{chatKey}/release - End an agent hand-off
//   - PUT /api/flows/{flowID} - Store a flow graph, ?activate=1 to activate it
//   - GET /ws - Realtime event stream
//   - GET /media/... - Stored inbound media
//   - GET /metrics - Prometheus metrics, when enabled
//
// Everything under /api and the session webhook requires a bearer token.
// Agent tokens reach only conversations assigned to them.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Run blocks until ctx is canceled, then shuts the servers down and closes
// the stores.
package gateway
