package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// performHealthCheck probes the running agent's admin API health endpoint.
// Used as the container health check command.
func performHealthCheck() {
	addr := os.Getenv("ADMIN_API_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8081"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health check failed: HTTP %d: %s\n", resp.StatusCode, body)
		os.Exit(1)
	}

	fmt.Println(string(body))
}
