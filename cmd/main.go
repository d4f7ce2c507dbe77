package main

import "github.com/sdbondi/tari-dan/cmd/cli"

func main() {
	cli.Execute()
}
