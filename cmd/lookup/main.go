package main

import (
	"phishlookup/internal/app"

	"github.com/charmbracelet/log"
)

func main() {
	if err := app.RunLookup(); err != nil {
		log.Fatal("lookup API terminated", "error", err)
	}
}
