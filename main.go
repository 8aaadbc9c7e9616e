package main

import "github.com/nextlevelbuilder/archon/cmd"

func main() {
	cmd.Execute()
}
