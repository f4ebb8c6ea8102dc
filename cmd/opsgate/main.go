package main

import "github.com/mfallon/opsgate/cmd/opsgate/cmd"

func main() {
	cmd.Execute()
}
