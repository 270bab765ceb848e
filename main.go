package main

import (
	_ "time/tzdata"

	"github.com/akiyatamashii/tofubot/cmd"
)

func main() {
	cmd.Execute()
}
