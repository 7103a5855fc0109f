package main

import "github.com/pl-upward/greg-bot/cmd"

func main() {
	cmd.Execute()
}
