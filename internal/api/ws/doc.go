// Package ws streams runtime status and telemetry to WebSocket clients.
//
// Server → client frames:
//   - snapshot: every runtime at connect time
//   - status: a host changed state (loading, ready, error, removed)
//   - telemetry: a plugin emitted a log or event
//   - dropped: how many events this client missed by reading too slowly
//   - pong / error: replies to client frames
//
// Client → server frames:
//   - ping
//
// Example Usage:
//
//	handler := ws.NewHandler(mgr, metrics, logger, 256)
//	router.GET("/stream", handler.HandleConnection)
package ws
