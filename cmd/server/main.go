package main

import "mailflow/cmd/cli"

func main() {
	cli.Execute()
}
