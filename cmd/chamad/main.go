// Package main defines the chamad server, the daemon running the rotating
// savings engine. It opens the state store, starts the background services
// (lease reaping, deadline timers, default handling, consistency audits)
// and keeps them running until the process is interrupted.
package main

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	goruntime "runtime"
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/chamalabs/chama/config/features"
	chamaprometheus "github.com/chamalabs/chama/monitoring/prometheus"
	"github.com/chamalabs/chama/node"
	"github.com/chamalabs/chama/runtime/version"
)

var log = logrus.WithField("prefix", "main")

func startNode(cliCtx *cli.Context) error {
	verbosity := cliCtx.String(verbosityFlag.Name)
	level, err := logrus.ParseLevel(verbosity)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	n, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	n.Start()
	return nil
}

func defaultDataDir() string {
	home := homeDir()
	if home != "" {
		if goruntime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Chama")
		} else if goruntime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Local", "Chama")
		}
		return filepath.Join(home, ".chama")
	}
	// As we cannot guess a stable location, return empty and handle later.
	return ""
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

func main() {
	app := cli.App{}
	app.Name = "chamad"
	app.Usage = "daemon running the rotating savings and credit (ROSCA) engine"
	app.Version = version.GetVersion()
	app.Action = startNode
	app.Flags = append(appFlags, features.EngineFlags...)

	app.Before = func(ctx *cli.Context) error {
		format := ctx.String(logFormatFlag.Name)
		switch format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			// Coloring is disabled when writing to a log file because the
			// ANSI codes read as gibberish there.
			formatter.DisableColors = ctx.String(logFileNameFlag.Name) != ""
			logrus.SetFormatter(formatter)
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %s", format)
		}

		if logFileName := ctx.String(logFileNameFlag.Name); logFileName != "" {
			f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
			if err != nil {
				return err
			}
			logrus.SetOutput(f)
		}

		logrus.AddHook(chamaprometheus.NewLogrusCollector())
		goruntime.GOMAXPROCS(goruntime.NumCPU())
		return nil
	}

	defer func() {
		if x := recover(); x != nil {
			log.Errorf("Runtime panic: %v\n%v", x, string(debug.Stack()))
			panic(x)
		}
	}()

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
