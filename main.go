// The main package for the zonecrawler executable.
package main

import (
	"github.com/JakeFAU/zonecrawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
