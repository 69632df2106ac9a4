package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/weave/internal/streaming"
	"github.com/rendis/weave/pkg/schema"
)

type runOptions struct {
	params     []string
	paramsFile string
	workspace  string
	timeout    time.Duration
	follow     bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <workflow-id | definition-file>",
		Short: "Run a workflow and print its final state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringArrayVarP(&opts.params, "param", "p", nil, "workflow parameter as key=value (repeatable)")
	f.StringVar(&opts.paramsFile, "params-file", "", "YAML or JSON file with workflow parameters")
	f.StringVarP(&opts.workspace, "workspace", "w", "", "workspace directory (default from config)")
	f.DurationVar(&opts.timeout, "timeout", 0, "cancel the run after this long (0 = no limit)")
	f.BoolVarP(&opts.follow, "follow", "f", false, "print run events to stderr as they happen")
	return cmd
}

func runWorkflow(cmd *cobra.Command, target string, opts runOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	def, err := a.resolveDefinition(ctx, target)
	if err != nil {
		return err
	}
	params, err := loadParams(opts.paramsFile, opts.params)
	if err != nil {
		return err
	}

	if opts.follow {
		events, unsubscribe, err := a.registry.Subscribe(ctx, streaming.Filter{WorkflowID: def.ID})
		if err != nil {
			return err
		}
		followed := make(chan struct{})
		go func() {
			defer close(followed)
			printEvents(cmd.ErrOrStderr(), events)
		}()
		defer func() {
			unsubscribe()
			<-followed
		}()
	}

	id, err := a.registry.Submit(ctx, def, params, opts.workspace)
	if err != nil {
		return err
	}

	waitCtx := ctx
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	snap, runErr := a.registry.Wait(waitCtx, id)
	if waitCtx.Err() != nil {
		a.registry.Cancel(id)
		snap, runErr = a.registry.Wait(context.Background(), id)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return err
	}
	if snap.Status != schema.ExecutionStatusCompleted {
		if runErr == nil {
			runErr = errors.New(strings.Join(snap.Errors, "; "))
		}
		return fmt.Errorf("execution %s %s: %w", id, strings.ToLower(string(snap.Status)), runErr)
	}
	return nil
}

// printEvents writes one line per event until the subscription ends.
func printEvents(w io.Writer, events <-chan streaming.Event) {
	for e := range events {
		ts := e.Timestamp.Format("15:04:05.000")
		switch e.Type {
		case streaming.EventStatus:
			fmt.Fprintf(w, "%s %-7s %s\n", ts, "STATUS", e.Status)
		default:
			step := ""
			if e.StepID != "" {
				step = "[" + e.StepID + "] "
			}
			fmt.Fprintf(w, "%s %-7s %s%s\n", ts, e.Level, step, e.Message)
		}
	}
}

// resolveDefinition treats target as a catalogued workflow ID first, then as
// a definition file.
func (a *app) resolveDefinition(ctx context.Context, target string) (*schema.WorkflowDefinition, error) {
	if rec, err := a.defs.Get(ctx, target); err == nil {
		return rec.Definition, nil
	} else if !schema.IsNotFound(err) {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no workflow or file named %q", target)
		}
		return nil, err
	}
	return a.validator.Schema().ParseDefinition(data)
}

// loadParams merges a parameter file with key=value flags; flags win.
// Flag values stay strings unless they are a plain integer, float or boolean
// that formats back to exactly the same text.
func loadParams(file string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read params file: %w", err)
		}
		if err := yaml.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("parse params file: %w", err)
		}
		if params == nil {
			params = map[string]any{}
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid --param %q, expected key=value", pair)
		}
		params[key] = paramValue(raw)
	}
	return params, nil
}

// paramValue types raw only when the conversion is lossless, so "0755",
// "1.10" and dates reach prompts exactly as typed.
func paramValue(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && strconv.FormatInt(n, 10) == raw {
		return int(n)
	}
	if b, err := strconv.ParseBool(raw); err == nil && strconv.FormatBool(b) == raw {
		return b
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && strconv.FormatFloat(f, 'f', -1, 64) == raw {
		return f
	}
	return raw
}
