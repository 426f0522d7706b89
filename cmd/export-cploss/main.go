package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/freeeve/cploss/internal/archive"
	"github.com/freeeve/cploss/internal/export"
	"github.com/freeeve/cploss/internal/logx"
)

func main() {
	defaults := export.DefaultOptions()
	var (
		archiveDir   = flag.String("archives", "processed_data", "Directory of player archives")
		outputPath   = flag.String("output", "games_with_cp_metrics.csv", "Output CSV file")
		minElo       = flag.Int("min-elo", defaults.MinElo, "Keep a side only when its rating is above this")
		openingMoves = flag.Int("num-opening-moves", defaults.OpeningMoves, "Opening moves dropped from each side")
		minRemaining = flag.Int("min-remaining-moves", defaults.MinRemaining, "Moves required after the opening")
		maxMeanLoss  = flag.Float64("max-mean-loss", 0, "Drop rows whose mean loss exceeds this (0 = off)")
		allEvents    = flag.Bool("all-events", false, "Keep blitz and rapid events")
		logLevel     = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	logger := logx.NewLogger(*logLevel)
	start := time.Now()

	store, err := archive.NewStore(*archiveDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open archives: %v\n", err)
		os.Exit(1)
	}

	rows, stats, err := export.Collect(store, export.Options{
		MinElo:       *minElo,
		OpeningMoves: *openingMoves,
		MinRemaining: *minRemaining,
		MaxMeanLoss:  *maxMeanLoss,
		AllEvents:    *allEvents,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "read archives: %v\n", err)
		os.Exit(1)
	}

	outFile, err := os.Create(*outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output file: %v\n", err)
		os.Exit(1)
	}
	if err := export.WriteCSV(outFile, rows); err != nil {
		outFile.Close()
		fmt.Fprintf(os.Stderr, "write csv: %v\n", err)
		os.Exit(1)
	}
	if err := outFile.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close output file: %v\n", err)
		os.Exit(1)
	}

	logger.Info().
		Int("players", stats.Players).
		Int("games", stats.Games).
		Int("rows", stats.Rows).
		Int("filtered_sides", stats.Filtered).
		Int("duplicate_rows", stats.Duplicates).
		Str("output", *outputPath).
		Dur("elapsed", time.Since(start)).
		Msg("export complete")
}
