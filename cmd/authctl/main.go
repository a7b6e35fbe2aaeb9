package main

import (
	"fmt"
	"os"

	"openclip-auth/internal/config"
)

func main() {
	config.LoadDotEnv()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
