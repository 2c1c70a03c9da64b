package main

import (
	"fmt"
	"os"

	"github.com/wbobeirne/loop/loopd"
)

func main() {
	err := loopd.Run(loopd.RPCConfig{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
