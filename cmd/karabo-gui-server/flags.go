package main

import (
	"flag"
	"time"
)

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	Validate        bool
	ShowVersion     bool
	ShutdownTimeout time.Duration
}

func parseFlags() *CLIConfig {
	cli := &CLIConfig{}
	flag.StringVar(&cli.ConfigPath, "config", "", "path to the configuration file (YAML)")
	flag.StringVar(&cli.LogLevel, "log-level", "", "override log level: debug, info, warn, error")
	flag.BoolVar(&cli.Validate, "validate", false, "validate the configuration and exit")
	flag.BoolVar(&cli.ShowVersion, "version", false, "print the version and exit")
	flag.DurationVar(&cli.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown bound")
	flag.Parse()
	return cli
}
