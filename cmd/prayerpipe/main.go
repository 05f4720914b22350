// Command prayerpipe hosts the onboarding core: it serves the HTTP host API,
// inspects the local store and runs recovery for a user from the command line.
package main

import (
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
