// Package app wires the licensing server together and manages its lifecycle.
//
// # Initialization Flow
//
//	1. Load configuration from defaults, the YAML file and the environment
//	2. Initialize logging and OpenTelemetry
//	3. Open the store (memory, SQLite or PostgreSQL) and the guard
//	4. Start the audit logger and build the license manager on top of it
//	5. Connect the audit trail to the websocket hub
//	6. Compose middleware and mount the API handlers
//
// # Routing
//
//	/ws/logs    websocket feed, behind RequestID (and RealIP when
//	            security.trust_proxy_headers is set) only
//	/api/...    full chain: OTel, logging, recovery, security headers,
//	            CORS, rate limit, body limit, request timeout
//	/metrics    Prometheus exposition
//
// Admin routes additionally require the bearer token when
// security.admin_token_hash is set.
//
// # Usage
//
//	application, err := app.NewApplication()
//	if err != nil {
//	    return err
//	}
//	return application.Run(ctx)
//
// # Graceful Shutdown
//
// Run stops on context cancellation, SIGINT or SIGTERM. Shutdown finishes
// in-flight requests, closes websocket clients, drains the audit queue and
// closes the guard, the store and the telemetry exporters, in that order.
// Errors are returned to the caller; the package never calls os.Exit.
package app
