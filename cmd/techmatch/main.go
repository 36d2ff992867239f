package main

import (
	"os"
)

func main() {
	root, c := newRootCmd()

	err := root.Execute()
	if cerr := c.close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Exit(1)
	}
}
