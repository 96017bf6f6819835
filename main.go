package main

import "github.com/yanula20/sitepipe/cmd"

func main() {
	cmd.Execute()
}
