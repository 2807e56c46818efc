// mapgenctl talks to a running mapgen-server over the control plane.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/config"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/controlplane"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/job"
)

const usage = `mapgenctl controls a running mapgen-server.

Usage:
  mapgenctl [--addr host:port] <command> [flags]

Commands:
  ping                       check the server answers
  tools                      list control-plane tools
  generate --prompt P --scene S [--size small|medium|large] [--grid N] [--style S] [--provider NAME] [--wait]
  status <jobId>             show a job
  cancel <jobId>             cancel a job
  list                       list jobs
  providers                  show provider and worker status
  worker start|stop          control the local worker

`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	config.LoadDotEnv()

	var addr string
	global := pflag.NewFlagSet("mapgenctl", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.StringVar(&addr, "addr", config.GetEnv("MAPGEN_CONTROL_ADDR", "127.0.0.1:31414"), "control plane address")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage, global.FlagUsages()) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return errors.New("missing command")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	client, err := controlplane.Dial(dialCtx, addr)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "ping":
		return printCall(ctx, out, func(ctx context.Context) (json.RawMessage, error) {
			return client.Call(ctx, controlplane.MethodPing, nil)
		})
	case "tools":
		return printCall(ctx, out, func(ctx context.Context) (json.RawMessage, error) {
			return client.Call(ctx, controlplane.MethodListTools, nil)
		})
	case "generate":
		return generate(ctx, out, client, cmdArgs)
	case "status", "cancel":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: mapgenctl %s <jobId>", cmd)
		}
		tool := controlplane.ToolCheckMapStatus
		if cmd == "cancel" {
			tool = controlplane.ToolCancelMapJob
		}
		return printTool(ctx, out, client, tool, map[string]string{"jobId": cmdArgs[0]})
	case "list":
		return printTool(ctx, out, client, controlplane.ToolListMapJobs, nil)
	case "providers":
		return printTool(ctx, out, client, controlplane.ToolProviderStatus, nil)
	case "worker":
		if len(cmdArgs) != 1 {
			return errors.New("usage: mapgenctl worker start|stop")
		}
		switch cmdArgs[0] {
		case "start":
			return printTool(ctx, out, client, controlplane.ToolStartLocalWorker, nil)
		case "stop":
			return printTool(ctx, out, client, controlplane.ToolStopLocalWorker, nil)
		default:
			return fmt.Errorf("unknown worker action %q", cmdArgs[0])
		}
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func generate(ctx context.Context, out io.Writer, client *controlplane.Client, args []string) error {
	var (
		req  job.Request
		size string
		wait bool
	)
	flags := pflag.NewFlagSet("generate", pflag.ContinueOnError)
	flags.StringVar(&req.Prompt, "prompt", "", "map description (required)")
	flags.StringVar(&req.SceneName, "scene", "", "scene name (required)")
	flags.StringVar(&size, "size", "", "small, medium or large")
	flags.IntVar(&req.GridSize, "grid", 0, "pixels per grid square")
	flags.StringVar(&req.Style, "style", "", "art style")
	flags.StringVar(&req.Provider, "provider", "", "provider override")
	flags.BoolVar(&wait, "wait", false, "poll until the job finishes")
	if err := flags.Parse(args); err != nil {
		return err
	}
	req.Size = job.Size(size)

	raw, err := client.CallTool(ctx, controlplane.ToolGenerateMap, req)
	if err != nil {
		return err
	}
	if !wait {
		return writeJSON(out, raw)
	}

	var started job.StartResponse
	if err := json.Unmarshal(raw, &started); err != nil {
		return fmt.Errorf("decode generate-map result: %w", err)
	}
	fmt.Fprintf(os.Stderr, "job %s started (%s)\n", started.JobID, started.EstimatedTime)
	return waitForJob(ctx, out, client, started.JobID)
}

func waitForJob(ctx context.Context, out io.Writer, client *controlplane.Client, id string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	lastProgress := -1
	for {
		raw, err := client.CallTool(ctx, controlplane.ToolCheckMapStatus, map[string]string{"jobId": id})
		if err != nil {
			return err
		}
		var j job.Job
		if err := json.Unmarshal(raw, &j); err != nil {
			return fmt.Errorf("decode job: %w", err)
		}
		if j.Progress != lastProgress {
			fmt.Fprintf(os.Stderr, "%3d%% %s\n", j.Progress, j.Stage)
			lastProgress = j.Progress
		}
		if j.Status.Terminal() {
			if err := writeJSON(out, raw); err != nil {
				return err
			}
			if j.Status != job.StateComplete {
				return fmt.Errorf("job %s %s: %s", id, j.Status, j.Error)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printTool(ctx context.Context, out io.Writer, client *controlplane.Client, tool string, args any) error {
	return printCall(ctx, out, func(ctx context.Context) (json.RawMessage, error) {
		return client.CallTool(ctx, tool, args)
	})
}

func printCall(ctx context.Context, out io.Writer, call func(context.Context) (json.RawMessage, error)) error {
	raw, err := call(ctx)
	if err != nil {
		return err
	}
	return writeJSON(out, raw)
}

func writeJSON(out io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = out.Write(append(raw, '\n'))
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}
