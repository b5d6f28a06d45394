package main

import "github.com/jmehdipour/coursepay/cmd"

func main() {
	cmd.Execute()
}
