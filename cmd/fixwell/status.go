package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/basket/fixwell/internal/config"
)

// runStatus queries a running daemon over its local HTTP surface and prints
// a short operator summary.
func runStatus() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fixwell: load config: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://" + cfg.BindAddr

	health := map[string]any{}
	if err := getJSON(client, base+"/healthz", "", &health); err != nil {
		fmt.Fprintf(os.Stderr, "fixwell: daemon not reachable at %s: %v\n", cfg.BindAddr, err)
		os.Exit(1)
	}

	token := cfg.CallbackToken
	if token == "" {
		if tok, err := loadAuthToken(cfg.HomeDir); err == nil {
			token = tok
		}
	}
	metrics := map[string]any{}
	metricsErr := getJSON(client, base+"/metrics", token, &metrics)

	stats := map[string]any{}
	statsErr := getJSON(client, base+"/api/stats", "", &stats)

	fmt.Printf("fixwell @ %s\n", cfg.BindAddr)
	fmt.Printf("  healthy:            %v\n", health["healthy"])
	fmt.Printf("  config fingerprint: %v\n", health["config_fingerprint"])
	fmt.Printf("  uptime:             %vs\n", health["uptime_seconds"])
	if metricsErr == nil {
		fmt.Printf("  queued tasks:       %v\n", metrics["queued_tasks"])
		fmt.Printf("  in-flight tasks:    %v\n", metrics["in_flight_tasks"])
	}
	if statsErr == nil {
		fmt.Printf("  installations:      %v\n", stats["installations"])
		fmt.Printf("  total runs:         %v\n", stats["total_runs"])
		fmt.Printf("  prs created:        %v\n", stats["prs_created"])
	}
}

func getJSON(client *http.Client, url, token string, out any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
