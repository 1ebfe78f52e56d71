// qloopctl runs the loop's decision logic offline against JSON files.
//
// Usage:
//
//	qloopctl detect --file snapshot.json
//	qloopctl research --alert alert.json
//	qloopctl evaluate --proposal proposal.json --result result.json
//	qloopctl version
package main

import "os"

var version = "dev"

func main() {
	if err := newRootCmd(version).Execute(); err != nil {
		os.Exit(1)
	}
}
