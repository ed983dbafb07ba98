// Package msvcore holds the shared data model for the minimum-safe-version
// engine: canonical CVE findings, per-branch MSVs, aggregated results, and
// the version algebra used to derive them.
//
// The orchestration entry points live in the libmsv package.
package msvcore
