package main

import (
	"github.com/mawis/couriergrey/internal/app"

	"github.com/charmbracelet/log"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal("couriergrey terminated", "error", err)
	}
}
