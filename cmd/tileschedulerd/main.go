package main

import "github.com/MeKo-Tech/tilescheduler/internal/cmd"

func main() {
	cmd.Execute()
}
