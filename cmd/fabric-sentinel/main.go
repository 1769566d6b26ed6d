// Command fabric-sentinel runs a sentinel: the router nodes attach to and
// other sentinels peer with.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
