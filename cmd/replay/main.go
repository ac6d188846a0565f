package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/user/bluecore/config"
	"github.com/user/bluecore/logger"
	"github.com/user/bluecore/scenario"
	"github.com/user/bluecore/testreport"
)

func main() {
	scenarioPath := flag.String("scenario", "", "Path to scenario JSON file")
	configPath := flag.String("config", "", "Optional control plane config JSON")
	reportDir := flag.String("report", "", "Directory to write a markdown report into")
	logLevel := flag.String("log", "WARN", "Log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	if *scenarioPath == "" {
		fmt.Println("Usage: replay --scenario <path-to-scenario.json> [--report <dir>]")
		fmt.Println("\nExample:")
		fmt.Println("  go run ./cmd/replay --scenario scenario/testdata/media_exclusive.json")
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(*logLevel))

	s, err := scenario.LoadScenario(*scenarioPath)
	if err != nil {
		log.Fatalf("Failed to load scenario: %v", err)
	}

	fmt.Printf("=== Running Scenario: %s ===\n", s.Name)
	fmt.Printf("Description: %s\n", s.Description)
	fmt.Printf("Peers: %d\n", len(s.Peers))
	fmt.Printf("Events: %d\n", len(s.Timeline))
	fmt.Printf("Duration: %v\n\n", s.Duration())

	if errors := s.Validate(); len(errors) > 0 {
		fmt.Println("❌ Scenario validation failed:")
		for _, err := range errors {
			fmt.Printf("  - %s\n", err)
		}
		os.Exit(1)
	}

	runner := scenario.NewRunner(s)
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		runner.WithConfig(cfg)
	}

	if err := runner.Setup(); err != nil {
		log.Fatalf("Failed to setup scenario: %v", err)
	}
	defer runner.Close()

	fmt.Println("Executing timeline...")
	if err := runner.Run(); err != nil {
		log.Fatalf("Failed to run scenario: %v", err)
	}
	for _, e := range runner.EventLog() {
		fmt.Printf("  [%6dms] %-20s %-10s %s\n", e.TimeMs, e.Action, e.Device, e.Message)
	}

	fmt.Println("\nChecking assertions...")
	runner.CheckAssertions()
	report := runner.Report()

	if *reportDir != "" {
		path, err := testreport.Generate(*reportDir, report)
		if err != nil {
			log.Fatalf("Failed to write report: %v", err)
		}
		fmt.Printf("✅ Report written to: %s\n", path)
	}

	fmt.Println(testreport.Summary(report))
	if !report.Passed() {
		runner.Close()
		os.Exit(1)
	}
}
