// The main package for the auditd executable.
package main

import (
	"github.com/JakeFAU/site-audit-pipeline/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
