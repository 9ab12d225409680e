package main

import "github.com/alapierre/go-fiscal-engine/cmd"

func main() {
	cmd.Execute()
}
