// Command chunkwatch watches an SPA deployment for replicas serving drifted chunks.
package main

import "github.com/JakeFAU/chunkwatch/cmd"

func main() {
	cmd.Execute()
}
