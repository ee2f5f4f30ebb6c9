package main

import "github.com/vietddude/outreach/internal/cli"

func main() {
	cli.Execute()
}
