package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hornwind/l3-rule-cleanup/internal/cli"
	_ "github.com/hornwind/l3-rule-cleanup/pkg/log"
	log "github.com/sirupsen/logrus"
)

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	log.Debug("Start app")

	if err := cli.Execute(ctx, os.Args[1:]); err != nil {
		log.Error(err)
		stop()
		os.Exit(1)
	}
}
