package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/freeeve/cploss/internal/archive"
	"github.com/freeeve/cploss/internal/logx"
)

func main() {
	var (
		fromDir  = flag.String("from", "", "Directory of archives to merge in")
		intoDir  = flag.String("into", "processed_data", "Directory of archives to merge into")
		logLevel = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	if *fromDir == "" {
		fmt.Fprintln(os.Stderr, "Usage: merge-archives -from <dir> [-into <dir>]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	logger := logx.NewLogger(*logLevel)

	src, err := archive.NewStore(*fromDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open source archives: %v\n", err)
		os.Exit(1)
	}
	dst, err := archive.NewStore(*intoDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open destination archives: %v\n", err)
		os.Exit(1)
	}

	res, err := archive.MergeDir(src, dst)
	for _, p := range res {
		logger.Info().
			Str("player", p.Player).
			Int("existing", p.Existing).
			Int("added", p.Added).
			Int("duplicates", p.Duplicates).
			Int("total", p.Total).
			Msg("player merged")
	}
	if err != nil {
		logger.Error().Err(err).Msg("merge failed")
		os.Exit(1)
	}
	logger.Info().Int("players", len(res)).Msg("merge complete")
}
