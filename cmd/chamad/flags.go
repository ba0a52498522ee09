package main

import (
	"github.com/urfave/cli/v2"

	"github.com/chamalabs/chama/node"
)

var (
	// dataDirFlag defines the directory the node stores its database in.
	dataDirFlag = &cli.StringFlag{
		Name:  node.DataDirFlagName,
		Usage: "Data directory for the databases and keystore",
		Value: defaultDataDir(),
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error, fatal, panic)",
		Value: "info",
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Specify log formatting. Supports: text, json",
		Value: "text",
	}
	logFileNameFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Specify log file name, relative or absolute",
	}
	forceClearDBFlag = &cli.BoolFlag{
		Name:  node.ForceClearDBFlagName,
		Usage: "Clear any previously stored data at the data directory",
	}
	monitoringHostFlag = &cli.StringFlag{
		Name:  node.MonitoringHostFlagName,
		Usage: "Host used for listening and responding metrics for prometheus",
		Value: "127.0.0.1",
	}
	monitoringPortFlag = &cli.IntFlag{
		Name:  node.MonitoringPortFlagName,
		Usage: "Port used to listening and respond metrics for prometheus",
		Value: 8080,
	}
	disableMonitoringFlag = &cli.BoolFlag{
		Name:  node.DisableMonitoringFlagName,
		Usage: "Disable the monitoring service",
	}
)

var appFlags = []cli.Flag{
	dataDirFlag,
	verbosityFlag,
	logFormatFlag,
	logFileNameFlag,
	forceClearDBFlag,
	monitoringHostFlag,
	monitoringPortFlag,
	disableMonitoringFlag,
}
