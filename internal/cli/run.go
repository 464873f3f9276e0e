package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/udfcore/internal/application"
	"github.com/roach88/udfcore/internal/isolate"
	"github.com/roach88/udfcore/internal/occ"
	"github.com/roach88/udfcore/internal/pause"
	"github.com/roach88/udfcore/internal/udf"
	"github.com/roach88/udfcore/internal/value"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Args      string
	Subject   string
	Issuer    string
	ParentJob string
	Internal  bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <module:function>",
		Short: "Execute one mutation",
		Long: `Execute one mutation to completion and print its result.

The mutation runs against the configured store with the configured retry
budget. Function log lines are printed before the result.

Exit codes:
  0 - The mutation committed
  1 - The mutation failed (function error, OCC retries exhausted, timeout)
  2 - Command error (bad arguments, unreadable config, missing modules)

Examples:
  udfcore run basic:insertObject --args '[{"an": "object"}]'
  udfcore run messages:send --db ./udf.db --modules ./functions --args '["hi"]'
  udfcore run jobs:cleanup --internal --parent-job job-42 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Args, "args", "[]", "arguments as a JSON array")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "run as the user with this subject")
	cmd.Flags().StringVar(&opts.Issuer, "issuer", "", "issuer of --subject")
	cmd.Flags().StringVar(&opts.ParentJob, "parent-job", "", "scheduled job the mutation runs for")
	cmd.Flags().BoolVar(&opts.Internal, "internal", false, "allow internal functions")

	return cmd
}

func runMutation(opts *RunOptions, function string, cmd *cobra.Command) error {
	path, err := udf.ParsePath(function)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid function path", err)
	}
	args, err := parseArgs(opts.Args)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --args", err)
	}
	if opts.Issuer != "" && opts.Subject == "" {
		return NewExitError(ExitCommandError, "--issuer requires --subject")
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, closer := newLogger(opts.Verbose, cfg.LogFile, cmd.ErrOrStderr())
	defer closer.Close()

	app, err := application.New(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			logger.Error("error closing store", "error", closeErr)
		}
	}()

	identity := udf.System()
	if opts.Subject != "" {
		identity = udf.User(opts.Subject, opts.Issuer)
	}
	visibility := udf.PublicOnly
	if opts.Internal {
		visibility = udf.AllVisibility
	}
	rc := udf.NewRequestContext()
	if opts.ParentJob != "" {
		rc = rc.WithParentJob(opts.ParentJob)
	}

	res, err := app.MutationUDF(cmd.Context(), path, args, identity, visibility,
		udf.CallerAction, pause.NoopClient(), rc)

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if res != nil && opts.Format != "json" {
		printLogLines(out, res.LogLines)
	}
	if err != nil {
		return reportMutationError(out, logger, rc.RequestID, res, err)
	}

	rendered, mErr := value.Marshal(res.Value)
	if mErr != nil {
		return WrapExitError(ExitFailure, "failed to encode result", mErr)
	}
	return out.Success(rc.RequestID, map[string]any{
		"value":          value.ToGo(res.Value),
		"log_lines":      res.LogLines,
		"attempts":       res.Attempts,
		"commit_version": res.CommitVersion,
	}, string(rendered))
}

func parseArgs(raw string) (value.Array, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	v, err := value.Parse([]byte(raw))
	if err != nil {
		return nil, err
	}
	arr, ok := v.(value.Array)
	if !ok {
		return nil, fmt.Errorf("must be a JSON array, got %s", value.Kind(v))
	}
	return arr, nil
}

func printLogLines(out *OutputFormatter, lines []udf.LogLine) {
	for _, line := range lines {
		fmt.Fprintf(out.Writer, "[%s] %s\n", strings.ToUpper(string(line.Level)), strings.Join(line.Messages, " "))
	}
}

func reportMutationError(out *OutputFormatter, logger *slog.Logger, requestID string, res *udf.FunctionResult, err error) error {
	code, message := "INTERNAL", err.Error()
	var ie *isolate.Error
	switch {
	case occ.IsOCC(err):
		code = "OCC_EXHAUSTED"
	case errors.As(err, &ie):
		code = string(ie.Code)
		if ie.Code == isolate.ErrCodeFunction {
			message = ie.Message
		}
	}
	logger.Debug("mutation failed", "request_id", requestID, "code", code, "error", err)

	var details any
	if res != nil && len(res.LogLines) > 0 {
		details = map[string]any{"log_lines": res.LogLines}
	}
	if outErr := out.Error(requestID, code, message, details); outErr != nil {
		return outErr
	}
	return WrapExitError(ExitFailure, "mutation failed", err)
}
