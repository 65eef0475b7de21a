package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"logcorr/config"
	"logcorr/core"
	"logcorr/detect"
	"logcorr/ingest"
	"logcorr/notify"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate and test rule files",
	}
	rulesCmd.AddCommand(newRulesValidateCmd())
	rulesCmd.AddCommand(newRulesTestCmd())
	return rulesCmd
}

type ruleProblem struct {
	File  string `json:"file"`
	Line  int    `json:"line"`
	SID   uint64 `json:"sid,omitempty"`
	Error string `json:"error"`
}

type validateResult struct {
	Valid    bool          `json:"valid"`
	Rules    int           `json:"rules"`
	Problems []ruleProblem `json:"problems,omitempty"`
}

func newRulesValidateCmd() *cobra.Command {
	var regexTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "validate [files or directories...]",
		Short: "Compile rule files and report every problem",
		Long: `Compile rule files and report every problem with its file and line.

Without arguments the rule paths from the configuration are validated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				cfg, err := config.LoadConfig(configFile)
				if err != nil {
					return err
				}
				paths = cfg.Rules.Files
				if !cmd.Flags().Changed("regex-timeout") {
					regexTimeout = cfg.Engine.RegexTimeout
				}
			}

			out := cmd.OutOrStdout()
			var s *spinner.Spinner
			if !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
				s.Suffix = " Compiling rules..."
				s.Start()
			}

			loader := &detect.RuleLoader{RegexTimeout: regexTimeout}
			rules, err := loader.Load(paths...)

			if s != nil {
				s.Stop()
			}

			result := validateResult{Valid: err == nil, Rules: len(rules)}
			var loadErr *detect.LoadError
			switch {
			case err == nil:
			case errors.As(err, &loadErr):
				for _, re := range loadErr.Errors {
					result.Problems = append(result.Problems, ruleProblem{
						File: re.File, Line: re.Line, SID: re.SID, Error: re.Err.Error(),
					})
				}
			default:
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				renderValidateResult(out, result)
			}

			if !result.Valid {
				return fmt.Errorf("%d rule problem(s) found", len(result.Problems))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&regexTimeout, "regex-timeout", detect.DefaultRegexTimeout, "Match timeout for compiled patterns")
	return cmd
}

func newRulesTestCmd() *cobra.Command {
	var (
		format  string
		host    string
		proto   string
		atClock string
	)

	cmd := &cobra.Command{
		Use:   "test <rulefile> <line> [line...]",
		Short: "Run log lines through a rule file and show which rules fire",
		Long: `Run log lines through a rule file and show which rules fire.

Lines are processed in order against one engine, so markers and rate control
carry over from line to line. Reputation, intel, GeoIP and blacklist gates
have no lookup source here and fail unless the rule tolerates lookup errors.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			rules, err := detect.LoadRules(args[0])
			if err != nil {
				var loadErr *detect.LoadError
				if errors.As(err, &loadErr) {
					renderValidateResult(cmd.ErrOrStderr(), validateResult{Rules: len(rules), Problems: problemsOf(loadErr)})
				}
				return err
			}

			parse, err := ingest.ParserFor(format)
			if err != nil {
				return err
			}

			fields := detect.FieldConfig{Host: host}
			switch proto {
			case "tcp":
				fields.Proto = core.ProtoTCP
			case "udp":
				fields.Proto = core.ProtoUDP
			case "icmp":
				fields.Proto = core.ProtoICMP
			default:
				return fmt.Errorf("unknown protocol %q", proto)
			}

			opts := detect.EngineOptions{Fields: fields}
			if atClock != "" {
				at, err := time.Parse(time.RFC3339, atClock)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				opts.Clock = func() time.Time { return at }
				opts.Location = at.Location()
			}
			engine := detect.NewEngine(rules, opts, zap.NewNop().Sugar())

			pipeline := &ingest.Pipeline{Parse: parse}
			var results []lineResult
			for _, line := range args[1:] {
				res := lineResult{Line: line}
				event, err := pipeline.Build(line)
				if err != nil {
					res.Error = err.Error()
				} else {
					res.Alerts = engine.Process(ctx, event)
				}
				results = append(results, res)
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			renderTestResults(out, results)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "auto", "Line format: auto, pipe or syslog")
	cmd.Flags().StringVar(&host, "sagan-host", "127.0.0.1", "Address that replaces loopback addresses")
	cmd.Flags().StringVar(&proto, "proto", "udp", "Default protocol: tcp, udp or icmp")
	cmd.Flags().StringVar(&atClock, "at", "", "Evaluate at this RFC3339 time instead of now")
	return cmd
}

type lineResult struct {
	Line   string        `json:"line"`
	Error  string        `json:"error,omitempty"`
	Alerts []*core.Alert `json:"alerts"`
}

func problemsOf(loadErr *detect.LoadError) []ruleProblem {
	problems := make([]ruleProblem, 0, len(loadErr.Errors))
	for _, re := range loadErr.Errors {
		problems = append(problems, ruleProblem{File: re.File, Line: re.Line, SID: re.SID, Error: re.Err.Error()})
	}
	return problems
}

func renderValidateResult(w io.Writer, result validateResult) {
	if len(result.Problems) == 0 {
		successColor.Fprintf(w, "✓ %d rule(s) valid\n", result.Rules)
		return
	}
	errorColor.Fprintf(w, "✗ %d problem(s) found\n", len(result.Problems))
	for _, p := range result.Problems {
		loc := fmt.Sprintf("%s:%d", p.File, p.Line)
		if p.SID != 0 {
			fmt.Fprintf(w, "  %s %s %s\n", infoColor.Sprint(loc), warningColor.Sprintf("[sid %d]", p.SID), p.Error)
		} else {
			fmt.Fprintf(w, "  %s %s\n", infoColor.Sprint(loc), p.Error)
		}
	}
	fmt.Fprintf(w, "%d rule(s) compiled\n", result.Rules)
}

func renderTestResults(w io.Writer, results []lineResult) {
	fired := 0
	for i, res := range results {
		headerColor.Fprintf(w, "Line %d: ", i+1)
		fmt.Fprintln(w, res.Line)
		switch {
		case res.Error != "":
			errorColor.Fprintf(w, "  parse error: %s\n", res.Error)
		case len(res.Alerts) == 0:
			warningColor.Fprintln(w, "  no alerts")
		default:
			for _, a := range res.Alerts {
				fired++
				successColor.Fprint(w, "  ALERT ")
				fmt.Fprintln(w, notify.FastFormat(a))
			}
		}
	}
	fmt.Fprintf(w, "\n%d alert(s) from %d line(s)\n", fired, len(results))
}
