// create-state-file reads a textual view description from
// stdin and writes the binary view file consumed by the
// engine. It is the inverse of parse-state-file.
package main

import (
	"fmt"
	"os"

	"github.com/ashleyniemerg/derecho-unified/view"
)

func main() {

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stdout, "Usage: create-state-file <filename>")
		os.Exit(1)
	}

	v, err := view.ParseView(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parsing textual view failed: %v\n", err)
		os.Exit(1)
	}

	if err := view.PersistView(v, os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "writing view file failed: %v\n", err)
		os.Exit(2)
	}
}
