package main

import (
	_ "github.com/foxcpp/mailout"
	mailoutcli "github.com/foxcpp/mailout/internal/cli"
	_ "github.com/foxcpp/mailout/internal/cli/ctl"
)

func main() {
	mailoutcli.Run()
}
