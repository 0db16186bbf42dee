package main

import "github.com/jmehdipour/event-outbox/cmd"

func main() {
	cmd.Execute()
}
