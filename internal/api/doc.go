// Package api provides the operator HTTP API and the GUI WebSocket feed.
//
// Read-only endpoints report persistence health and entity state. Endpoints
// that change persistence behaviour (retry, flush, delete) require an
// operator JWT issued by the auth package and are recorded in the audit
// trail when one is configured. The WebSocket at /api/v1/ws streams
// "entity.updated" events to subscribed clients.
//
//	srv, err := api.New(deps)
//	srv.Start(ctx)
//	defer srv.Close()
package api
