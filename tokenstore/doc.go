// Package tokenstore persists the portal credential pair on the client side.
//
// Browsers receive HttpOnly cookies through [Cookies]; command-line clients
// keep the pair in a private YAML file through [FileStore]. Both implement
// [Store]. [FromRequest] is the single place that extracts an access token
// from an incoming request.
package tokenstore
