package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/warmer/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run code once and exit",
	Long: `Run code once in a fresh namespace, outside the worker protocol.

Code can be provided via:
  - File argument: warmer run script.js
  - Inline flag: warmer run -c 'print(1+1)'
  - Stdin: echo 'print(1+1)' | warmer run

Captured stdout and stderr are written as-is and the process exits with the
execution's exit code.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("code", "c", "", "Code to execute")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	code, _ := cmd.Flags().GetString("code")

	var filename string
	switch {
	case code != "":
	case len(args) > 0:
		filename = args[0]
		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		code = string(data)
	default:
		data, err := readPipedStdin(cmd.InOrStdin())
		if err != nil {
			return err
		}
		code = string(data)
	}

	if filename != "" && !cmd.Flags().Changed("lang") {
		if lang := detectLanguage(filename); lang != "" {
			_ = cmd.Flags().Set("lang", lang)
		}
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	ctx := cmd.Context()

	ns, err := newNamespace(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer ns.Close()

	res := newExecutor(cfg, logger, metrics.New()).Run(ctx, ns, code)
	fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
	fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)

	if res.ExitCode != 0 {
		return &exitCodeError{code: res.ExitCode}
	}
	return nil
}

// readPipedStdin reads r unless it is an interactive terminal.
func readPipedStdin(r io.Reader) ([]byte, error) {
	if f, ok := r.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("checking stdin: %w", err)
		}
		if stat.Mode()&os.ModeCharDevice != 0 {
			return nil, fmt.Errorf("no code provided: use -c, a file argument, or pipe to stdin")
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return data, nil
}
