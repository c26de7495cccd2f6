package main

import "github.com/corvid-labs/magpie/cmd"

func main() {
	cmd.Execute()
}
