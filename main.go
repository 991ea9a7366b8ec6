package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"lanmesh/commands"
	"lanmesh/config"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func setLogFormat(format string) {
	switch format {
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.Fatalf("Invalid log format '%s', expected text or json", format)
	}
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

func loadConfig(file string) *config.Config {
	cfg, err := config.NewConfigFromFile(file)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// main is the entry point of the application.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configFile := flag.String("config", "", "Path to config file")
	logLevel := flag.String("loglevel", "info", "Log level")
	logFormat := flag.String("logformat", "text", "Log format: text or json")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	registerGlobalFlags(initCmd)

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	registerGlobalFlags(serveCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	registerGlobalFlags(infoCmd)

	idCmd := flag.NewFlagSet("id", flag.ExitOnError)
	registerGlobalFlags(idCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand: init, serve, info or id")
	}
	cmd, args := os.Args[1], os.Args[2:]

	setup := func(fset *flag.FlagSet) {
		fset.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		setLogFormat(*logFormat)
	}

	switch cmd {
	case "init":
		setup(initCmd)
		cfg := config.NewEmptyConfig(*configFile)
		commands.RunInit(ctx, cfg)
	case "serve":
		setup(serveCmd)
		cfg := loadConfig(*configFile)
		if err := commands.RunServe(ctx, cfg); err != nil {
			log.Fatalf("Node failed: %v", err)
		}
	case "info":
		setup(infoCmd)
		cfg := loadConfig(*configFile)
		commands.RunInfo(ctx, cfg)
	case "id":
		setup(idCmd)
		cfg := loadConfig(*configFile)
		commands.RunID(ctx, cfg)
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}
