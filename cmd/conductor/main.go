// Command conductor runs batches of interdependent code-modification tasks
// against a shared workspace.
package main

import (
	"os"

	"github.com/Iron-Ham/conductor/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
