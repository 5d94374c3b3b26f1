package main

import "triggerflow/cmd/cli"

func main() {
	cli.Execute()
}
