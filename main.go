package main

import "github.com/stackpod/nodepack/cmd"

func main() {
	cmd.Execute()
}
