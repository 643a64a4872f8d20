// Command mediactl runs maintenance tasks against a simple-media store.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
