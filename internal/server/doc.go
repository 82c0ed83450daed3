// Package server assembles the portalguard runtime (logger, Redis, directory,
// engine) and exposes it over HTTP with a chi router.
package server
