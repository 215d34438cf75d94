// Command devswarm runs the autonomous development daemon for one repository.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
