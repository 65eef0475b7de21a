// Package main is the entry point for the logcorr correlation engine.
package main

import "logcorr/cmd"

func main() {
	cmd.Execute()
}
