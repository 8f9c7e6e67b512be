package main

import "github.com/nextlevelbuilder/loopgate/cmd"

func main() {
	cmd.Execute()
}
