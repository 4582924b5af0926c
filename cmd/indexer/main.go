package main

import "github.com/Togather-Foundation/proposals/cmd/indexer/cmd"

func main() {
	cmd.Execute()
}
