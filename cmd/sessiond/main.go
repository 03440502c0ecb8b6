package main

import "github.com/brightpath/sessiond/cmd/sessiond/cmd"

func main() {
	cmd.Execute()
}
