package main

import "github.com/casidp/authn/cmd"

func main() {
	cmd.Execute()
}
