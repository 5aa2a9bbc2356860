package main

import "github.com/avikram/transcriptd/internal/cli"

func main() {
	cli.Execute()
}
