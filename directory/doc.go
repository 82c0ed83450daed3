// Package directory is the authoritative source of accounts, roles and
// explicit permission grants.
//
// [SQLDirectory] stores users and grants in SQLite (modernc.org/sqlite,
// driver "sqlite") or PostgreSQL (lib/pq, driver "postgres"). Role values
// are stored raw; rows written by older releases may hold "admin", "0" or
// "node-officer", and every reader normalizes through role.Normalize.
//
// [Evaluator] answers permission questions for permcache by combining the
// role mask from permission.RoleManager with the user's explicit grants.
//
// # What this package must NOT do
//
//   - Cache decisions; permcache owns caching.
//   - Hash passwords with anything but the configured password.Hasher.
package directory
