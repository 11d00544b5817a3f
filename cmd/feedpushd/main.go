package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/GPTx-global/feedpushd/oracle/config"
	"github.com/GPTx-global/feedpushd/oracle/daemon"
	"github.com/GPTx-global/feedpushd/oracle/log"
)

func main() {
	log.InitLogger()
	config.Load()
	config.Print()

	// Interval mode runs unattended; keep its logs on disk under the home dir.
	if config.SubmitInterval() > 0 {
		log.ResetLogger(config.Home())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := daemon.New()
	if err != nil {
		log.Fatalf("Failed to create daemon: %v", err)
	}

	d.Start(ctx)

	if config.SubmitInterval() > 0 {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		cancel()
	}

	d.Stop()
}
