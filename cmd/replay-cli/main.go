// Command replay-cli runs an offline replay report from a YAML fixture
// file against a live upstream, without needing the HTTP surface up.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaylabs/async-sidecar/internal/metrics"
	"github.com/relaylabs/async-sidecar/internal/queue"
	"github.com/relaylabs/async-sidecar/internal/replay"
	"github.com/relaylabs/async-sidecar/internal/upstream"
)

// fixture is the YAML shape a replay case file is authored in.
type fixture struct {
	ReplayName     string `yaml:"replayName"`
	BaselineModel  string `yaml:"baselineModel"`
	CandidateModel string `yaml:"candidateModel"`
	Cases          []struct {
		ID       string         `yaml:"id"`
		Payload  map[string]any `yaml:"payload"`
		Expected map[string]any `yaml:"expected"`
	} `yaml:"cases"`
}

func main() {
	fixturePath := flag.String("fixture", "", "path to a YAML replay case fixture")
	reportsDir := flag.String("reports-dir", "replay-reports", "directory to persist replay reports under")
	upstreamURL := flag.String("upstream", "http://127.0.0.1:8000", "upstream chat-completions base URL")
	flag.Parse()

	if *fixturePath == "" {
		log.Fatal("-fixture is required")
	}

	if err := run(*fixturePath, *reportsDir, *upstreamURL); err != nil {
		log.Fatal(err)
	}
}

func run(fixturePath, reportsDir, upstreamURL string) error {
	raw, err := os.ReadFile(fixturePath)
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}

	var fx fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("parse fixture: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	upstreamClient := upstream.NewClient(upstream.Config{BaseURL: upstreamURL, Timeout: 120 * time.Second}, logger)

	queueManager := queue.New(queue.DefaultConfig(), upstreamClient, metrics.NewStore(metrics.DefaultSampleCap), logger)
	harness := replay.NewHarness(queueManager, replay.NewStore(reportsDir))

	cases := make([]replay.Case, 0, len(fx.Cases))
	for _, c := range fx.Cases {
		cases = append(cases, replay.Case{ID: c.ID, Payload: c.Payload, Expected: c.Expected})
	}

	report, err := harness.Run(context.Background(), replay.RunRequest{
		ReplayName:     fx.ReplayName,
		BaselineModel:  fx.BaselineModel,
		CandidateModel: fx.CandidateModel,
		Cases:          cases,
	})
	if err != nil {
		return fmt.Errorf("run replay: %w", err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
