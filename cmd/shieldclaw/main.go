package main

import "github.com/ppiankov/shieldclaw/internal/cli"

func main() {
	cli.Execute()
}
