// Package common holds process-wide constants and the logger set-up shared by
// every binary of the engine.
package common

// PackageName is used as the metrics namespace and default log service.
const PackageName = "confidential_contract_engine"

// Version is overridden at build time with -ldflags "-X .../common.Version=...".
var Version = "dev"
