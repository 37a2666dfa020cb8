package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahimsalabs/channellog-go/channellog"
)

var offline = map[string]string{"offline": "true"}

func newNameCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "name <name>...",
		Short:       "Print the printable form of log names",
		Args:        cobra.MinimumNArgs(1),
		Annotations: offline,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, arg := range args {
				n, err := channellog.ParseName(arg)
				if err != nil {
					return err
				}
				if n.Alias() != "" {
					fmt.Fprintf(out, "%s\t%s\n", n.Printable(), n.Alias())
				} else {
					fmt.Fprintln(out, n.Printable())
				}
			}
			return nil
		},
	}
}

func newCreateCommand(a *app) *cobra.Command {
	var (
		logServer string
		meta      []string
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a log",
		Long: `Create a log. Metadata is given as TAG=VALUE pairs, where TAG is
one of XID, CID, PUBKEY, CTIME or a numeric tag such as 0x00414243.
CTIME and, for aliases, XID are filled in when not given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := channellog.ParseName(args[0])
			if err != nil {
				return err
			}
			md := channellog.NewMetadata()
			for _, m := range meta {
				tag, value, err := parseMeta(m)
				if err != nil {
					return err
				}
				if err := md.AddString(tag, value); err != nil {
					return err
				}
			}
			var server channellog.LogName
			if logServer != "" {
				if server, err = channellog.ParseName(logServer); err != nil {
					return fmt.Errorf("log server: %w", err)
				}
			}
			if err := a.client.Create(cmd.Context(), name, server, md); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", name.Printable())
			return nil
		},
	}
	cmd.Flags().StringVar(&logServer, "log-server", "", "name of the log server that should hold the log")
	cmd.Flags().StringArrayVarP(&meta, "meta", "m", nil, "metadata TAG=VALUE (repeatable)")
	return cmd
}

// parseMeta splits a TAG=VALUE flag.
func parseMeta(s string) (channellog.Tag, string, error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok {
		return 0, "", fmt.Errorf("metadata %q: want TAG=VALUE", s)
	}
	switch strings.ToUpper(k) {
	case "XID":
		return channellog.TagXID, v, nil
	case "CID":
		return channellog.TagCID, v, nil
	case "PUBKEY":
		return channellog.TagPubKey, v, nil
	case "CTIME":
		return channellog.TagCTime, v, nil
	}
	n, err := strconv.ParseUint(k, 0, 32)
	if err != nil {
		return 0, "", fmt.Errorf("metadata %q: unknown tag %q", s, k)
	}
	return channellog.Tag(n), v, nil
}

func newAppendCommand(a *app) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "append <name> [record]...",
		Short: "Append records to a log",
		Long: `Append records to a log. Records are taken from the arguments, or
one per line from standard input when none are given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := a.open(ctx, args[0], channellog.ModeAppendOnly)
			if err != nil {
				return err
			}
			defer h.Close()

			records := args[1:]
			if len(records) == 0 {
				sc := bufio.NewScanner(cmd.InOrStdin())
				for sc.Scan() {
					records = append(records, sc.Text())
				}
				if err := sc.Err(); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if !async {
				for _, r := range records {
					d, err := h.Append(ctx, []byte(r))
					if err != nil {
						return err
					}
					if err := a.print(out, d); err != nil {
						return err
					}
				}
				return nil
			}

			for i, r := range records {
				if err := h.AppendAsync([]byte(r), i); err != nil {
					return err
				}
			}
			for range records {
				ev, err := h.Next(ctx, channellog.Within(a.timeout))
				if err != nil {
					return err
				}
				switch ev := ev.(type) {
				case channellog.DataEvent:
					if err := a.print(out, ev.Datum); err != nil {
						return err
					}
				case channellog.ErrorEvent:
					if ev.Timeout() {
						return fmt.Errorf("append: no completion within %v", a.timeout)
					}
					return fmt.Errorf("append of record %v: %w", ev.Completion, ev.Err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "append without waiting between records")
	return cmd
}

func newReadCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "read <name> [recno]",
		Short: "Read one record",
		Long: `Read one record. A negative recno counts from the end; the default,
-1, is the last record.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			recno := channellog.RecnoLast
			if len(args) == 2 {
				n, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("recno %q: %w", args[1], err)
				}
				recno = n
			}
			ctx := cmd.Context()
			h, err := a.open(ctx, args[0], channellog.ModeReadOnly)
			if err != nil {
				return err
			}
			defer h.Close()

			d, err := h.Read(ctx, recno)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), d)
		},
	}
}

func newMultiReadCommand(a *app) *cobra.Command {
	var (
		first    int64
		limit    int
		callback bool
	)
	cmd := &cobra.Command{
		Use:   "multiread <name>",
		Short: "Read a range of records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := a.open(ctx, args[0], channellog.ModeReadOnly)
			if err != nil {
				return err
			}
			defer h.Close()

			if callback {
				opt, done := a.callback(cmd.OutOrStdout())
				if _, err := h.MultiRead(ctx, first, limit, opt); err != nil {
					return err
				}
				return await(ctx, done)
			}
			cur, err := h.MultiRead(ctx, first, limit)
			if err != nil {
				return err
			}
			return a.drain(ctx, cmd.OutOrStdout(), cur)
		},
	}
	cmd.Flags().Int64Var(&first, "first", 1, "first recno; negative counts from the end")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records (0 for all)")
	cmd.Flags().BoolVar(&callback, "callback", false, "receive records through a callback instead of polling")
	return cmd
}

func newSubscribeCommand(a *app) *cobra.Command {
	var (
		first    int64
		limit    int
		idle     time.Duration
		callback bool
	)
	cmd := &cobra.Command{
		Use:   "subscribe <name>",
		Short: "Follow a log as records are appended",
		Long: `Follow a log as records are appended. Existing records from --first
onwards are delivered first. The subscription ends after --limit records,
after --idle without a new record, or on interrupt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := a.open(ctx, args[0], channellog.ModeReadOnly)
			if err != nil {
				return err
			}
			defer h.Close()

			wait := channellog.Forever
			if idle > 0 {
				wait = channellog.Within(idle)
			}
			if callback {
				opt, done := a.callback(cmd.OutOrStdout())
				if _, err := h.Subscribe(ctx, first, limit, wait, opt); err != nil {
					return err
				}
				err = await(ctx, done)
			} else {
				var cur *channellog.Cursor
				if cur, err = h.Subscribe(ctx, first, limit, wait); err != nil {
					return err
				}
				err = a.drain(ctx, cmd.OutOrStdout(), cur)
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Int64Var(&first, "first", 1, "first recno; negative counts from the end, length+1 waits for new records")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records (0 for no limit)")
	cmd.Flags().DurationVar(&idle, "idle", 0, "end after this long without a record (0 waits forever)")
	cmd.Flags().BoolVar(&callback, "callback", false, "receive records through a callback instead of polling")
	return cmd
}

func (a *app) open(ctx context.Context, arg string, mode channellog.IOMode) (*channellog.Handle, error) {
	name, err := channellog.ParseName(arg)
	if err != nil {
		return nil, err
	}
	return a.client.Open(ctx, name, mode)
}

func (a *app) print(w io.Writer, d channellog.Datum) error {
	return d.Format(w, a.verbose)
}

// drain prints the records of cur until it ends. A timeout end is not an
// error.
func (a *app) drain(ctx context.Context, w io.Writer, cur *channellog.Cursor) error {
	for {
		ev, err := cur.Next(ctx, channellog.Forever)
		if err != nil {
			return err
		}
		if end, err := a.show(w, ev); end || err != nil {
			return err
		}
	}
}

// callback is drain for cursors started WithCallback. The returned channel
// yields the outcome once the cursor has ended.
func (a *app) callback(w io.Writer) (channellog.CursorOption, <-chan error) {
	done := make(chan error, 1)
	finished := false
	return channellog.WithCallback(func(ev channellog.Event) {
		if finished {
			return
		}
		if end, err := a.show(w, ev); end || err != nil {
			finished = true
			done <- err
		}
	}), done
}

func await(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// show prints one cursor event and reports whether it ended the cursor.
func (a *app) show(w io.Writer, ev channellog.Event) (bool, error) {
	switch ev := ev.(type) {
	case channellog.DataEvent:
		return false, a.print(w, ev.Datum)
	case channellog.EndOfStreamEvent:
		if a.verbose || !ev.Status.OK() {
			fmt.Fprintf(w, "end of stream: %s\n", ev.Status)
		}
		return true, nil
	case channellog.ShutdownEvent:
		return true, nil
	case channellog.ErrorEvent:
		if ev.Err != nil {
			return true, ev.Err
		}
		return true, fmt.Errorf("stream failed: %s", ev.Status)
	}
	return false, nil
}
