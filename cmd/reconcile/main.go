package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"wallet-ledger/internal/config"
	"wallet-ledger/internal/store"
)

func main() {
	var (
		staleAfter = flag.Duration("stale", 10*time.Minute, "report transfers stuck in a non-terminal status for longer than this (0 disables)")
		timeout    = flag.Duration("timeout", 2*time.Minute, "overall deadline")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := store.OpenPool(ctx, cfg.DBDSN, 2)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db:", err)
		os.Exit(2)
	}
	defer pool.Close()

	gaps, err := store.New(pool).Reconcile(ctx, *staleAfter)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reconcile:", err)
		pool.Close()
		os.Exit(2)
	}

	if len(gaps) > 0 {
		for _, g := range gaps {
			fmt.Fprintf(os.Stderr, "FAIL: %s\n", g)
		}
		pool.Close()
		os.Exit(1)
	}

	fmt.Printf("OK: ledger consistent (stale threshold %s)\n", *staleAfter)
}
