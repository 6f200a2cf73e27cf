// Package shared holds helpers used by more than one package's tests.
//
// The testutil subpackage provides a capturing slog handler, assertions on
// captured records and fixtures that seed a catalog of products, tiers and
// licenses through the engine's public API.
package shared
