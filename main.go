package main

import "filexfer/cmd"

func main() {
	cmd.Execute()
}
