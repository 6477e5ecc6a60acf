package main

import (
	"log"

	"crosslend/services/hubd"
)

func main() {
	if err := hubd.Main(); err != nil {
		log.Fatalf("hubd: %v", err)
	}
}
