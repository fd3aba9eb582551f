package main

import "github.com/nextlevelbuilder/serialagent/cmd"

func main() {
	cmd.Execute()
}
