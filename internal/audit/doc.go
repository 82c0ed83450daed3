// Package audit implements async event dispatching for security-relevant operations.
//
// # Components
//
//   - [Sink]: event consumers (channel, JSON lines, logrus, no-op).
//   - [Dispatcher]: buffered async relay that either drops or blocks when full.
//   - [Event]: structured audit record.
//
// The Engine and the middleware decide which events to emit; this package
// only buffers and delivers them.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import portalguard or any sibling internal package.
package audit
