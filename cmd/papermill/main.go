package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// papermill is the operator CLI for the papermilld conversion daemon.
func main() {
	root := newRootCommand()
	err := root.Execute()
	if err == nil {
		return
	}
	if !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(1)
}
