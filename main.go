package main

import "giglink/cmd"

func main() {
	cmd.Execute()
}
