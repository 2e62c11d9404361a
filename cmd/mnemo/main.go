package main

import "github.com/calder-dev/mnemo/internal/cli"

func main() {
	cli.Execute()
}
