package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "scopectl: %v\n", err)
		os.Exit(1)
	}
}
