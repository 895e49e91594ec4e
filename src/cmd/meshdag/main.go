package main

import (
	"github.com/meshnetworks/meshdag/src/cmd/meshdag/commands"
)

func main() {
	commands.Execute()
}
