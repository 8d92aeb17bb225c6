package main

import "outlook-organiser/cmd/triage-agent/cmd"

func main() {
	cmd.Execute()
}
