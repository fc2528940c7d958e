package main

import (
	"github.com/dispatchhq/syncstore/internal/cli"
)

func main() {
	cli.Execute()
}
