package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"memecoin-sniper/config"
	"memecoin-sniper/internal/sniper"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[sniper] config: %v", err)
	}
	log.Printf("[sniper] store=%s strategies=%v ema=%v/%s atr=%v",
		cfg.StoreDriver, cfg.StrategyList(), cfg.EMALengthList(), cfg.EMASource, cfg.ATRLengthList())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := sniper.New(ctx, cfg)
	if err != nil {
		log.Fatalf("[sniper] init failed: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[sniper] fatal: %v", err)
	}
}
