// Command piianon detects and de-identifies PII in free text.
//
// It runs as a one-shot CLI over an argument or stdin, or as an HTTP service.
//
// Usage:
//
//	# Detect entities
//	piianon analyze "Call 555-123-4567 or mail jane@corp.io"
//
//	# Rewrite them, hashing SSNs and redacting everything else
//	echo "SSN 123-45-6789" | piianon anonymize --operators US_SSN=hash
//
//	# Serve the HTTP API
//	PII_SERVER_PORT=8090 piianon serve
//
// Configuration is read from pii-anonymizer.yaml, .env and PII_* environment
// variables, in that order of increasing precedence.
package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "piianon:", err)
		os.Exit(1)
	}
}
