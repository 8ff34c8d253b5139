package main

import (
	"os"

	"github.com/winwalk/winwalk/cmd/winwalk/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
