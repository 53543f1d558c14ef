// Package api defines wire-format types and converters for the HTTP API and
// CLI output. It translates ledger rows, pipeline outcomes, and quota usage
// into transport-friendly DTOs so consumers never depend on internal types.
//
// DTOs use camelCase JSON tags. Timestamps are RFC3339 in UTC with
// milliseconds. Usage.Remaining is -1 for tiers without a daily ceiling.
package api
