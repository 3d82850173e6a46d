// Package main provides the plexport CLI, which submits playlist exports to
// plexportd and reports on them.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
