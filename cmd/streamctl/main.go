package main

import "mathstream/server/internal/cli"

func main() {
	cli.Execute()
}
