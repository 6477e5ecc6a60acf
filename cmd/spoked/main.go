package main

import (
	"log"

	"crosslend/services/spoked"
)

func main() {
	if err := spoked.Main(); err != nil {
		log.Fatalf("spoked: %v", err)
	}
}
