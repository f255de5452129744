// collabengine is the collaboration engine daemon for TMI diagram
// editing sessions: it batches local commands and remote collaboration
// events for the graph applier and keeps the local model reconciled
// against the server of record.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}

	os.Exit(0)
}
