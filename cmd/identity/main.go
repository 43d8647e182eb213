package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/DeBrosOfficial/muxnet/pkg/identity"
)

func main() {
	var outputPath string
	var displayOnly bool

	flag.StringVar(&outputPath, "output", "", "Output path for identity key")
	flag.BoolVar(&displayOnly, "display-only", false, "Only display identity info, don't save")
	flag.Parse()

	info, err := identity.Generate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate identity: %v\n", err)
		os.Exit(1)
	}

	if displayOnly {
		fmt.Printf("Node Identity: %s\n", info.PeerID.String())
		return
	}

	if outputPath == "" {
		fmt.Fprintln(os.Stderr, "Output path is required")
		os.Exit(1)
	}

	if err := identity.Save(info, outputPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save identity: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated Node Identity: %s\n", info.PeerID.String())
	fmt.Printf("Identity saved to: %s\n", outputPath)
}
