package main

import "sherlock/cmd"

func main() {
	cmd.Execute()
}
