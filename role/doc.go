// Package role defines the canonical portal roles and the normalizer that maps
// heterogeneous role representations onto them.
//
// # Inputs
//
// Role values reach the portal from JWT claims, directory rows written by older
// releases, and configuration files. They arrive as upper- or lower-case names,
// separator variants ("node-officer"), and the legacy numeric admin code "0".
// [Normalize] folds all of them into exactly one [Role].
//
// # What this package must NOT do
//
//   - Decide a default for unknown input (callers use [OrDefault]).
//   - Consult external state; normalization is a pure function.
package role
