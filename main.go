package main

import (
	"os"

	"github.com/sadopc/trackd/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
