package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/astromechza/nego/pkg/auth"
	"github.com/astromechza/nego/pkg/model"
	"github.com/astromechza/nego/pkg/ordering"
	"github.com/astromechza/nego/pkg/reorder"
	"github.com/astromechza/nego/pkg/restapi"
	"github.com/astromechza/nego/pkg/tui"
	"github.com/astromechza/nego/pkg/watch"
)

var (
	tokenSubject       string
	tokenEstablishment int64
	tokenTTL           time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token signed with the server secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Server.Secret == "" {
			return fmt.Errorf("server.secret (or NEGO_SECRET) is required to sign tokens")
		}
		t, err := auth.NewToken(tokenSubject, tokenEstablishment, tokenTTL, []byte(cfg.Server.Secret))
		if err != nil {
			return err
		}
		fmt.Println(t)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list <cartas|secciones|productos> <parent-id>",
	Short: "Print a partition in its stored order",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := partitionArgs(args)
		if err != nil {
			return err
		}
		s, err := session()
		if err != nil {
			return err
		}
		entries, err := s.List(cmd.Context(), p)
		if err != nil {
			return err
		}
		printEntries(entries)
		return nil
	},
}

var moveCmd = &cobra.Command{
	Use:   "move <cartas|secciones|productos> <parent-id> <from> <to>",
	Short: "Move the item at index from to index to and save the partition",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := partitionArgs(args)
		if err != nil {
			return err
		}
		from, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid from index: %w", err)
		}
		to, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("invalid to index: %w", err)
		}

		s, err := session()
		if err != nil {
			return err
		}
		syncer := reorder.NewSynchronizer[int64](s, reorder.WithPolicy[int64](cfg.Sync.Policy()))
		defer syncer.Close()

		var failure error
		c := reorder.NewController[int64, model.Entry](p, syncer, s, reorder.ControllerConfig{
			Context: cmd.Context(),
			OnError: func(err error) { failure = err },
		})
		if err := c.Open(cmd.Context()); err != nil {
			return err
		}
		n := len(c.Items())
		if from < 0 || from >= n || to < 0 || to >= n {
			return fmt.Errorf("indices must be within 0..%d", n-1)
		}
		c.OnReorder(from, to)
		c.Wait()
		if failure != nil {
			return failure
		}
		entries := make([]model.Entry, 0, n)
		for _, it := range c.Items() {
			e := it.Payload
			e.Position = it.Position
			entries = append(entries, e)
		}
		printEntries(entries)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <cartas|secciones|productos> <parent-id>",
	Short: "Print every committed order of a partition",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := partitionArgs(args)
		if err != nil {
			return err
		}
		stream, err := dialWatch(cmd.Context(), p)
		if err != nil {
			return err
		}
		defer stream.Close()
		return stream.Run(cmd.Context(), func(evt model.OrderEvent) {
			ids := make([]string, len(evt.Orders))
			for _, o := range evt.Orders {
				if o.Position >= 0 && o.Position < len(ids) {
					ids[o.Position] = strconv.FormatInt(o.ID, 10)
				}
			}
			fmt.Printf("%s v%d [%s]\n", evt.Partition(), evt.Version, strings.Join(ids, " "))
		})
	},
}

var tuiCmd = &cobra.Command{
	Use:   "tui <cartas|secciones|productos> <parent-id>",
	Short: "Reorder a partition interactively",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := partitionArgs(args)
		if err != nil {
			return err
		}
		s, err := session()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		syncer := reorder.NewSynchronizer[int64](s, reorder.WithPolicy[int64](cfg.Sync.Policy()))
		defer syncer.Close()

		var program *tea.Program
		c := reorder.NewController[int64, model.Entry](p, syncer, s, reorder.ControllerConfig{
			Context: ctx,
			OnError: func(err error) {
				program.Send(tui.ErrorMsg{Err: err})
				program.Send(tui.RefreshMsg{})
			},
		})
		if err := c.Open(ctx); err != nil {
			return err
		}
		program = tea.NewProgram(tui.New(p.String(), c, cfg.Gesture.Threshold), tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))

		// orders saved by someone else show up live; skipped while our own writes are queued
		wg := new(sync.WaitGroup)
		if stream, err := dialWatch(ctx, p); err == nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer stream.Close()
				_ = stream.Run(ctx, func(evt model.OrderEvent) {
					if syncer.Pending(p) > 0 {
						return
					}
					if err := c.Refresh(ctx); err == nil {
						program.Send(tui.RefreshMsg{Note: fmt.Sprintf("v%d", evt.Version)})
					}
				})
			}()
		}

		_, err = program.Run()
		cancel()
		c.Wait()
		wg.Wait()
		if errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "token subject")
	tokenCmd.Flags().Int64Var(&tokenEstablishment, "establishment", 0, "establishment id claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}

func dialWatch(ctx context.Context, p ordering.Partition) (*watch.Stream, error) {
	u, err := url.Parse(cfg.Client.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u = u.JoinPath("/api/watch", string(p.Kind), strconv.FormatInt(p.ParentID, 10))
	return watch.Dial(ctx, u.String(), cfg.Client.Token)
}

func printEntries(entries []model.Entry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ORDEN\tID\tNOMBRE\tACTIVO")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%t\n", e.Position, e.ID, e.Name, e.Active)
	}
	_ = w.Flush()
}

var _ reorder.Persister[int64] = (*restapi.Session)(nil)
var _ reorder.Fetcher[int64, model.Entry] = (*restapi.Session)(nil)
