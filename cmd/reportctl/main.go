// Command reportctl composes drawing-analysis reports from stage results on disk.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AilvenLiu/cad-recognition/internal/composer"
	"github.com/AilvenLiu/cad-recognition/internal/domain"
	"github.com/AilvenLiu/cad-recognition/internal/emitter"
	"github.com/AilvenLiu/cad-recognition/internal/processor"
	"github.com/AilvenLiu/cad-recognition/internal/sinks"
	"github.com/AilvenLiu/cad-recognition/pkg/logger"
)

type composeOptions struct {
	input     string
	output    string
	template  string
	chunkSize int
	pace      time.Duration
	workers   int
	streamID  string
}

// createOutput opens the --output destination
var createOutput = func(name string) (io.WriteCloser, error) {
	return os.Create(name)
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "reportctl",
		Short:         "Compose drawing-analysis reports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(newComposeCmd(&logLevel))
	root.AddCommand(newTemplatesCmd())
	return root
}

func newComposeCmd(logLevel *string) *cobra.Command {
	opts := composeOptions{}

	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Compose a report and stream it to a file or stdout",
		Long: `Reads a JSON array of stage results, composes them with the chosen template
and writes the document in chunks, pausing between chunks like the service does.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := logger.New(*logLevel, false)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return runCompose(cmd, opts, log)
		},
	}

	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "JSON file with stage results (- for stdin)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output file (default stdout)")
	cmd.Flags().StringVarP(&opts.template, "template", "t", composer.ComparisonTemplateName, "Template name")
	cmd.Flags().IntVar(&opts.chunkSize, "chunk-size", emitter.DefaultMaxChunkSize, "Maximum chunk size in bytes")
	cmd.Flags().DurationVar(&opts.pace, "pace", 0, "Pause between chunks")
	cmd.Flags().IntVar(&opts.workers, "workers", 4, "Image encoding workers")
	cmd.Flags().StringVar(&opts.streamID, "stream-id", "", "Stream identifier for log correlation (default random)")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func runCompose(cmd *cobra.Command, opts composeOptions, log *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := readResults(cmd, opts.input)
	if err != nil {
		return err
	}

	tmpl, err := composer.NewRegistry().Lookup(opts.template)
	if err != nil {
		return err
	}

	encoder, err := processor.NewOrderedEncoder(opts.workers, log)
	if err != nil {
		return err
	}
	defer encoder.Stop()

	doc, err := composer.New(composer.WithEncoder(encoder), composer.WithLogger(log)).Compose(ctx, results, tmpl)
	if err != nil {
		return err
	}

	e, err := emitter.New(opts.chunkSize,
		emitter.WithPace(opts.pace),
		emitter.WithStreamID(opts.streamID),
		emitter.WithLogger(log),
	)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.output != "" {
		f, createErr := createOutput(opts.output)
		if createErr != nil {
			return fmt.Errorf("create output: %w", createErr)
		}
		defer func() {
			// a failed close can drop buffered data
			if closeErr := f.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("close output: %w", closeErr)
			}
		}()
		out = f
	}

	// WriterSink flushes on the final chunk
	sink := sinks.NewWriterSink(bufio.NewWriter(out))
	report, err := e.Emit(ctx, doc, sink)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "%s [%s]: %d bytes in %d chunks (%s)\n",
		doc.Template(), report.StreamID, report.Bytes, report.Chunks, report.Duration.Round(time.Millisecond))
	return nil
}

func readResults(cmd *cobra.Command, path string) ([]domain.StageResult, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var results []domain.StageResult
	if err := json.NewDecoder(r).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode stage results: %w", err)
	}
	return results, nil
}

func newTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List available templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry := composer.NewRegistry()
			for _, name := range registry.Names() {
				tmpl, err := registry.Lookup(name)
				if err != nil {
					return err
				}
				arity := "any"
				if tmpl.Arity > 0 {
					arity = fmt.Sprintf("%d", tmpl.Arity)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s sources=%-4s %s\n", tmpl.Name, arity, tmpl.Title)
			}
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
