package main

import (
	"context"
	"fmt"
	"os"

	"github.com/autopeer-io/datasync/cmd/datasyncd/app"
)

func main() {
	cmd := app.NewCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
