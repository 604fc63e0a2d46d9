package main

import "github.com/legamerdc/rio/cmd/riod/cmd"

func main() {
	cmd.Execute()
}
