package main

import (
	"log"

	"labescrow/services/bountyd"
)

func main() {
	if err := bountyd.Main(); err != nil {
		log.Fatalf("bountyd: %v", err)
	}
}
