// Package main is the entrypoint for the load generator, which will
// simulate client connections against the proxy over the PostgreSQL wire
// protocol.
package main

import (
	"fmt"
	"log"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	fmt.Println("Load Generator - not implemented yet")
	fmt.Println("Usage: loadgen --total-connections 1000 --routes 5 --query-mix mixed")
}
