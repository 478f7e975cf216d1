package flags

import (
	"log/slog"
	"time"

	"github.com/ruteri/confidential-contract-engine/api"
	"github.com/ruteri/confidential-contract-engine/common"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) *slog.Logger {
	return common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String(logServiceFlagName),
		Version: common.Version,
	})
}

// ConfigureServer reads ServerFlags into the configuration of the engine API
// server listening on listenAddr.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		MaxBodySize:              cCtx.Int64(MaxBodySizeFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var EngineURLFlag = &cli.StringFlag{
	Name:    "engine-url",
	Value:   "http://127.0.0.1:8080",
	Usage:   "base URL of the engine API",
	EnvVars: []string{"ENGINE_URL"},
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Usage: "log debug messages, including contract debug output",
}

const logServiceFlagName = "log-service"

// LogFlags are the logging options of a command logging as service.
func LogFlags(service string) []cli.Flag {
	return []cli.Flag{
		LogJsonFlag,
		LogDebugFlag,
		&cli.StringFlag{
			Name:  logServiceFlagName,
			Value: service,
			Usage: "service tag added to every log line",
		},
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Usage: "serve pprof on the metrics listener",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds /drain waits for in-flight contract calls before returning",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address serving the engine's Prometheus metrics",
}
var MaxBodySizeFlag = &cli.Int64Flag{
	Name:  "max-body-size",
	Value: api.DefaultMaxBodySize,
	Usage: "maximum size in bytes of a contract call request body",
}

// ServerFlags configure the engine API server, see ConfigureServer.
var ServerFlags = []cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
	MaxBodySizeFlag,
}
