package main

import (
	"flag"
	"fmt"
	"os"

	"bot-execution-core/config"
)

func main() {
	out := flag.String("o", "config.json", "path of the sample config to write")
	force := flag.Bool("f", false, "overwrite an existing file")
	flag.Parse()

	if _, err := os.Stat(*out); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "%s already exists, use -f to overwrite\n", *out)
		os.Exit(1)
	}

	if err := config.GenerateSampleConfig(*out); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write sample config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Sample configuration written to %s\n", *out)
}
