package main

import "github.com/azisaba/commander/cmd/commander/cmd"

func main() {
	cmd.Execute()
}
