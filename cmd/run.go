package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/promptpilot/internal/config"
	"github.com/xkilldash9x/promptpilot/internal/events"
	"github.com/xkilldash9x/promptpilot/internal/history"
	"github.com/xkilldash9x/promptpilot/internal/observability"
	"github.com/xkilldash9x/promptpilot/internal/scheduler"
)

const runHelp = `Commands:
  start                 start the queue from the configured prompts
  pause | resume        hold or continue the queue
  skip                  move past the current item without consuming it
  stop                  clear the queue
  reset                 stop, then clear saved prompts and session history
  status                show the queue state
  history               show prompts sent this session
  conversation [id]     address prompts to a conversation (no id clears)
  prefer [id]           deliver to a connection first (no id clears)
  quit                  exit`

// newRunCmd drives the queue and reads control commands from stdin.
func newRunCmd() *cobra.Command {
	var (
		noStart      bool
		exitWhenDone bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the prompt queue against the remote agent chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, v, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			comps, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer comps.Shutdown(logger)

			var settings config.Settings = config.NewStaticSettings(cfg.Autopilot)
			var vs *config.ViperSettings
			if v != nil {
				vs = config.NewViperSettings(v, logger)
				settings = vs
			}

			bus := events.NewBus(logger, 64)
			defer bus.Shutdown()
			// Left subscribed so Shutdown drains whatever is still buffered.
			evCh, _ := bus.Subscribe(events.AllTypes...)

			sched := scheduler.New(cfg.Scheduler, settings, comps.Pipeline, logger,
				scheduler.WithNotifier(bus),
				scheduler.WithHistoryStore(comps.Store),
				scheduler.WithRefresher(comps.Registry.Refresh),
			)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			if vs != nil {
				err := vs.Watch(runCtx, func() {
					comps.Registry.SetEnabled(runCtx, settings.Autopilot().Enabled)
					if err := sched.OnSettingsChanged(runCtx); err != nil {
						logger.Error("Queue aborted after settings change.", zap.Error(err))
					}
				})
				if err != nil {
					logger.Warn("Settings file changes will not be picked up.", zap.Error(err))
				}
			}

			n := comps.Registry.ForceRefresh(runCtx)
			comps.Registry.SetEnabled(runCtx, settings.Autopilot().Enabled)
			logger.Info("Connected to remote surfaces.", zap.Int("connections", n))

			out := &lockedWriter{w: cmd.OutOrStdout()}
			g, gctx := errgroup.WithContext(runCtx)
			g.Go(func() error { return sched.Run(gctx) })
			g.Go(func() error {
				printEvents(gctx, bus, evCh, out, func(t events.Type) {
					if exitWhenDone && (t == events.QueueCompleted || t == events.QueueFatal) {
						cancel()
					}
				})
				return nil
			})

			ctl := &controller{queue: sched, targets: comps.Pipeline, out: out}
			if !noStart {
				ctl.handle(runCtx, "start")
			}

			lines := readLines(gctx, cmd.InOrStdin())
		loop:
			for {
				select {
				case <-gctx.Done():
					break loop
				case line, ok := <-lines:
					if !ok {
						lines = nil
						continue
					}
					if ctl.handle(gctx, line) {
						break loop
					}
				}
			}

			cancel()
			if err := g.Wait(); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noStart, "no-start", false, "wait for a start command instead of starting the queue")
	cmd.Flags().BoolVar(&exitWhenDone, "exit-when-done", false, "exit once the queue completes or aborts")
	return cmd
}

// lockedWriter serializes event output with command output.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// readLines feeds stdin lines to the returned channel until EOF or ctx is done.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func printEvents(ctx context.Context, bus *events.Bus, ch <-chan events.Event, out io.Writer, after func(events.Type)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintln(out, formatEvent(ev))
			bus.Acknowledge(ev)
			if after != nil {
				after(ev.Type)
			}
		}
	}
}

func formatEvent(ev events.Event) string {
	q, _ := ev.Payload.(events.Queue)
	position := fmt.Sprintf("%d/%d", q.Index+1, q.Length)
	switch ev.Type {
	case events.QueueStarted:
		return fmt.Sprintf("[queue] started: %d items (%s)", q.Length, q.Source)
	case events.ItemSent:
		return fmt.Sprintf("[queue] sent %s %s: %s", position, q.ItemType, history.Truncate(q.Text, history.PreviewLength))
	case events.ItemAdvanced:
		return fmt.Sprintf("[queue] %s: %s", q.Message, history.Truncate(q.Text, history.PreviewLength))
	case events.QueueCompleted:
		return "[queue] completed"
	case events.QueueWarning:
		return fmt.Sprintf("[queue] warning: %s", q.Message)
	case events.QueueFatal:
		return fmt.Sprintf("[queue] aborted: %s", q.Message)
	case events.QueueStopped:
		return "[queue] stopped"
	}
	return fmt.Sprintf("[%s] %+v", ev.Type, ev.Payload)
}

// queueControl is the part of the scheduler the interactive commands drive.
type queueControl interface {
	Start(ctx context.Context, source scheduler.Source) error
	Pause()
	Resume(ctx context.Context) error
	Skip(ctx context.Context) error
	Stop(ctx context.Context)
	Reset(ctx context.Context) error
	Status() scheduler.Status
	History() []history.Entry
	SetTargetConversation(id string)
	Now() time.Time
}

type preferrer interface {
	SetPreferred(id string)
}

type controller struct {
	queue   queueControl
	targets preferrer
	out     io.Writer
}

// handle runs one control line and reports whether the user asked to quit.
func (c *controller) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	var err error
	switch strings.ToLower(fields[0]) {
	case "start":
		err = c.queue.Start(ctx, scheduler.SourceManual)
	case "pause":
		c.queue.Pause()
		fmt.Fprintln(c.out, "[queue] paused")
	case "resume":
		err = c.queue.Resume(ctx)
	case "skip":
		err = c.queue.Skip(ctx)
	case "stop":
		c.queue.Stop(ctx)
	case "reset":
		err = c.queue.Reset(ctx)
	case "status":
		err = c.writeStatus()
	case "history":
		writeHistory(c.out, c.queue.History(), c.queue.Now())
	case "conversation":
		c.queue.SetTargetConversation(arg)
		fmt.Fprintf(c.out, "Target conversation: %q\n", arg)
	case "prefer":
		c.targets.SetPreferred(arg)
		fmt.Fprintf(c.out, "Preferred connection: %q\n", arg)
	case "help", "?":
		fmt.Fprintln(c.out, runHelp)
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command %q. Type help for a list.\n", fields[0])
	}
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

func (c *controller) writeStatus() error {
	enc := yaml.NewEncoder(c.out)
	enc.SetIndent(2)
	if err := enc.Encode(c.queue.Status()); err != nil {
		return fmt.Errorf("failed to render status: %w", err)
	}
	return enc.Close()
}
