// Command floorctl is an operator tool for the floor-price escrow service.
package main

import (
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
