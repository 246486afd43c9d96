package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Exit codes: 0 success, 1 usage error, 2 orchestrator not reachable.
func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var netErr net.Error
		if errors.As(err, &netErr) ||
			strings.Contains(err.Error(), "connection refused") ||
			strings.Contains(err.Error(), "no such host") {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
