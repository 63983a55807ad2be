package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/overmindtech/n8n-provisioner/cmd"
)

func main() {
	cmd.Execute()
}
