package main

import "github.com/mossy-p/roomcall/internal/logging"

func main() {
	// Initialize logging
	logging.Init()
	Execute()
}
