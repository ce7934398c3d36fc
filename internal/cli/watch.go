package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/crm-sync/internal/opclient"
	"github.com/tbourn/crm-sync/internal/reconcile"
	"github.com/tbourn/crm-sync/internal/threadkey"
)

var (
	watchServer   string
	watchThread   int64
	watchOperator string
	watchSend     bool
	watchTZ       string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a conversation thread from the terminal",
	Long: `Fetch a thread, join its realtime room and print it grouped by day,
re-printing on every change. With --send, each line typed on stdin is sent
to the contact as an operator message.`,
	Example: "  crmsync watch --thread 7192834718239 --operator alice --send",
	RunE:    runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:8080", "crmsync server URL")
	watchCmd.Flags().Int64Var(&watchThread, "thread", 0, "thread key to follow (required)")
	watchCmd.Flags().StringVar(&watchOperator, "operator", "", "operator id sent as X-Operator-ID")
	watchCmd.Flags().BoolVar(&watchSend, "send", false, "send stdin lines to the thread")
	watchCmd.Flags().StringVar(&watchTZ, "tz", "Local", "time zone used for day grouping")
	_ = watchCmd.MarkFlagRequired("thread")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(watchTZ)
	if err != nil {
		return fmt.Errorf("--tz: %w", err)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := opclient.New(watchServer, cfg.APIBasePath, watchOperator)
	view := reconcile.NewView()
	out := cmd.OutOrStdout()

	var mu sync.Mutex
	render := func() {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprint(out, "\033[H\033[2J")
		fmt.Fprintln(out, threadHeader(watchThread, loc))
		printDays(out, view.Days(loc))
	}

	if watchSend {
		go sendLines(ctx, os.Stdin, client, view, render)
	}
	err = client.Watch(ctx, watchThread, view, render)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func sendLines(ctx context.Context, in io.Reader, client *opclient.Client, view *reconcile.View, render func()) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if _, err := client.SendOptimistic(ctx, view, watchThread, text); err != nil {
			log.Error().Err(err).Msg("send failed")
		}
		render()
		if ctx.Err() != nil {
			return
		}
	}
}

// threadHeader decodes the open time and issuing node embedded in key.
func threadHeader(key int64, loc *time.Location) string {
	return fmt.Sprintf("thread %d · opened %s · node %d",
		key, threadkey.Time(key).In(loc).Format("Mon, 02 Jan 2006 15:04"), threadkey.Node(key))
}

func printDays(w io.Writer, days []reconcile.Day) {
	for _, d := range days {
		fmt.Fprintf(w, "── %s ──\n", d.Label())
		for _, e := range d.Entries {
			mark := " "
			if e.Pending {
				mark = "…"
			}
			body := e.Text()
			if e.AttachmentURL != nil {
				body = strings.TrimSpace(body + " [" + string(e.Kind) + "] " + *e.AttachmentURL)
			}
			line := fmt.Sprintf("%s %s %-8s %s", mark, e.CreatedAt.In(d.Date.Location()).Format("15:04"), e.AuthorKind, body)
			if e.Reaction != "" {
				line += "  " + e.Reaction
			}
			fmt.Fprintln(w, line)
		}
	}
}
