package main

import "relay-backend/cmd"

func main() {
	cmd.Execute()
}
