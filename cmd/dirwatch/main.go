package main

import (
	"fmt"
	"io"
	"os"

	"dirwatch/internal/version"
)

type command interface {
	Run(args []string) int
}

type commandDeps struct {
	Stdout   io.Writer
	Stderr   io.Writer
	RunWatch func(args []string) int
}

func defaultCommandDeps() commandDeps {
	return commandDeps{
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		RunWatch: runWatch,
	}
}

// watchCommand is the default: watch roots and print or run on changes.
type watchCommand struct {
	deps commandDeps
}

func (c watchCommand) Run(args []string) int {
	return c.deps.RunWatch(args)
}

type versionCommand struct {
	deps commandDeps
}

func (c versionCommand) Run(args []string) int {
	fmt.Fprintln(c.deps.Stdout, version.Get().String())
	return 0
}

func resolveCommand(args []string, deps commandDeps) (command, []string) {
	if len(args) > 0 && args[0] == "version" {
		return versionCommand{deps: deps}, args[1:]
	}
	return watchCommand{deps: deps}, args
}

func main() {
	deps := defaultCommandDeps()
	cmd, args := resolveCommand(os.Args[1:], deps)
	os.Exit(cmd.Run(args))
}
