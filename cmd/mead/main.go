package main

import (
	"os"

	"github.com/rudransh-shrivastava/mead/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
