// main executable.
package main

import (
	"os"

	"github.com/pipemtx/pipemtx/internal/core"
)

func main() {
	p, ok := core.New(os.Args[1:])
	if !ok {
		os.Exit(1)
	}
	p.Wait()
}
