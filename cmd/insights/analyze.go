// Copyright 2024 Telemetry Insights Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/your-org/telemetry-insights/internal/orchestrator"
	"github.com/your-org/telemetry-insights/internal/streaming"
)

type analyzeOptions struct {
	input    string
	progress bool
}

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	aopts := &analyzeOptions{}

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one analysis and print the result as JSON",
		Long: `Run one analysis from a request file and print the result as JSON.

The file has the same shape as the body of POST /v1/analyze. Use "-" to
read it from standard input.`,
		Example: `  insights analyze --input session.json
  cat session.json | insights analyze --input - --progress`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, _, err := loadRuntime(opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			body, err := readAnalyzeRequest(aopts.input, cmd.InOrStdin())
			if err != nil {
				return err
			}

			application, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := application.Close(); err != nil {
					logger.Warn("Failed to close application", zap.Error(err))
				}
			}()

			return application.runAnalyze(cmd, body, aopts.progress)
		},
	}

	cmd.Flags().StringVarP(&aopts.input, "input", "i", "", "request JSON file, or - for stdin")
	cmd.Flags().BoolVar(&aopts.progress, "progress", false, "print orchestration progress to stderr")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func readAnalyzeRequest(path string, stdin io.Reader) (AnalyzeRequest, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return AnalyzeRequest{}, fmt.Errorf("reading input: %w", err)
	}

	var body AnalyzeRequest
	if err := json.Unmarshal(data, &body); err != nil {
		return AnalyzeRequest{}, fmt.Errorf("parsing input: %w", err)
	}
	if body.Telemetry == nil {
		return AnalyzeRequest{}, fmt.Errorf("input has no telemetry object")
	}
	return body, nil
}

// runAnalyze executes one request, printing the result to the command's stdout
func (a *app) runAnalyze(cmd *cobra.Command, body AnalyzeRequest, progress bool) error {
	req, err := a.toRequest(body)
	if err != nil {
		return err
	}

	var events *streaming.EventStream
	if progress {
		req.Stream = true
		events = streaming.NewEventStream("")
		errOut := cmd.ErrOrStderr()
		events.AddCallback(func(e streaming.Event) {
			switch e.Type {
			case streaming.EventTypeChunk:
				return
			case streaming.EventTypeError:
				fmt.Fprintf(errOut, "[%3d%%] %s: %s\n", e.Progress, e.Stage, e.Error)
			default:
				fmt.Fprintf(errOut, "[%3d%%] %s: %s\n", e.Progress, e.Stage, e.Message)
			}
		})
		defer events.Close()
	}

	result, err := a.orchestrator.Analyze(cmd.Context(), req, events)
	if err != nil {
		return a.errors.WrapError(err, "analyzing telemetry")
	}
	return outputJSON(cmd.OutOrStdout(), result)
}

func outputJSON(w io.Writer, v *orchestrator.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
