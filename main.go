package main

import "github.com/encodeous/spfsim/cmd"

func main() {
	cmd.Execute()
}
