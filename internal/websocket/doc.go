// Package websocket pushes persisted validation log records to connected
// admin consoles over /ws/logs.
//
// The Hub owns the client set and fans messages out from a single goroutine.
// Publishing never blocks the caller: when the broadcast queue is full the
// message is dropped and counted, and a client whose send buffer is full is
// disconnected rather than slowing everyone else down.
package websocket
