package main

import (
	"phishlookup/internal/app"

	"github.com/charmbracelet/log"
)

func main() {
	if err := app.RunImporter(); err != nil {
		log.Fatal("importer terminated", "error", err)
	}
}
