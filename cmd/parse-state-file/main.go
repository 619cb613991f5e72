// parse-state-file reads a binary view file and prints its
// textual representation to stdout. It is the inverse of
// create-state-file.
package main

import (
	"fmt"
	"os"

	"github.com/ashleyniemerg/derecho-unified/view"
)

func main() {

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stdout, "Usage: parse-state-file <filename>")
		os.Exit(1)
	}

	v, err := view.LoadView(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading view file failed: %v\n", err)
		os.Exit(2)
	}

	if err := view.WriteTextual(v, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "writing textual view failed: %v\n", err)
		os.Exit(2)
	}
}
