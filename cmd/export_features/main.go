package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"featureStream/internal/adapters/logger"
	"featureStream/internal/store"
	"featureStream/internal/utils"
)

func main() {
	limit := flag.Int("limit", 500, "number of newest rows to export")
	out := flag.String("out", "-", "output CSV file, - for stdout")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] DEST\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 || *limit < 1 {
		flag.Usage()
		os.Exit(2)
	}

	appLogger, err := logger.New(logger.Config{Level: *logLevel})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	ctx := context.Background()

	featureStore, err := store.OpenExisting(ctx, flag.Arg(0), appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to open feature store")
		log.Fatalf("FATAL: Failed to open feature store: %v", err)
	}
	defer featureStore.Close()

	rows, err := featureStore.BulkLoad(ctx, *limit)
	if err != nil {
		appLogger.Error(ctx, err, "Error loading feature rows")
		log.Fatalf("Error loading feature rows: %v", err)
	}

	if *out == "-" {
		err = utils.WriteFeatureRows(os.Stdout, rows)
	} else {
		err = utils.WriteFile(*out, func(w io.Writer) error { return utils.WriteFeatureRows(w, rows) })
	}
	if err != nil {
		appLogger.Error(ctx, err, "Error writing CSV")
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(ctx, "Exported feature rows", map[string]interface{}{"count": len(rows), "out": *out})
}
