package main

import "github.com/vietddude/lens/internal/cli"

func main() {
	cli.Execute()
}
