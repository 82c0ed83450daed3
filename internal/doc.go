// Package internal holds helpers private to portalguard: refresh-token
// generation and encoding.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - config: file and environment loading for the server and CLI
//   - flows: login, refresh and logout orchestration behind the Engine
//   - logging: logrus construction and rotation
//   - rate: Redis-backed fixed-window rate limits
//   - server: runtime bootstrap and the chi HTTP surface
//
// # What this package must NOT do
//
//   - Export types that appear in the public portalguard API.
package internal
