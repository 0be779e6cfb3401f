// tmon runs one node of the telemetry monitoring network, either the hub
// or a spoke (unit controller), depending on configuration.
package main

import (
	"fmt"
	"os"

	"tmon/config"
	"tmon/server"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("tmon", pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "path to YAML config file")
	fs.String("role", "", "node role: hub or spoke (overrides config)")
	fs.String("port", "", "HTTP port (overrides server.http_port)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*path, fs)
	if err != nil {
		return err
	}
	var app server.App
	if err := app.Initialize(cfg); err != nil {
		return err
	}
	return app.Run()
}
