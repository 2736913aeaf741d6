package main

import "github.com/serverlessresearch/objstore/cmd"

// The objstore command line tool is a single executable with one subcommand
// per storage operation.
func main() {
	cmd.Execute()
}
