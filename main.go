package main

import "github.com/mihaisavezi/chat-bridge/cmd"

func main() {
	cmd.Execute()
}
