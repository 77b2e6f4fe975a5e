package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"tilecache/internal/config"
	"tilecache/internal/engine"
	"tilecache/internal/logging"
)

// flag
var (
	hf bool
	cf string
)

func init() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&cf, "c", "conf.toml", "set config `file`")
	flag.Usage = usage
	logging.Console()
}

func usage() {
	fmt.Fprintf(os.Stderr, `tilecache version: tilecache/v0.1.0
Usage: tilecache [-h] [-c filename] <command> [arguments]

Commands:
  seed     download the tile pyramid around a point
  usage    show stored files and bytes per layer
  clear    remove the stored tiles of layers
  layers   list the configured layers
  serve    serve stored tiles and the control api over http

Options:
`)
	flag.PrintDefaults()
}

var commands = map[string]func(ctx context.Context, e *engine.Engine, cfg *config.Config, args []string) error{
	"seed":   seedCmd,
	"usage":  usageCmd,
	"clear":  clearCmd,
	"layers": layersCmd,
	"serve":  serveCmd,
}

func main() {
	flag.Parse()
	if hf || flag.NArg() == 0 {
		flag.Usage()
		return
	}
	run, ok := commands[flag.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", flag.Arg(0))
		flag.Usage()
		os.Exit(2)
	}

	if cf == "" {
		cf = "conf.toml"
	}
	cfg, err := config.Load(cf)
	if err != nil {
		log.Fatal(err)
	}
	if err := logging.Init(cfg.Log); err != nil {
		log.Warn(err)
	}

	e, err := engine.Open(cfg)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	start := time.Now()
	err = run(ctx, e, cfg, flag.Args()[1:])
	stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if cerr := e.Close(closeCtx); cerr != nil {
		log.Warnf("close: %v", cerr)
	}
	cancel()
	if err != nil {
		log.Errorf("%s failed: %v", flag.Arg(0), err)
		os.Exit(1)
	}
	log.Infof("%.3fs finished...", time.Since(start).Seconds())
}
