package main

import "github.com/releasekit/installer/cmd/installer/commands"

func main() {
	commands.Execute()
}
