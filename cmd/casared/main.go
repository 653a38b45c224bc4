package main

import (
	"fmt"
	"os"

	"github.com/omerlefaruk/CasareRPA-sub002/cmd/casared/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
