package main

import (
	"context"
	"os"

	"github.com/Crypto-SI/wafflepayment/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background()))
}
