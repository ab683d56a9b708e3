// ABOUTME: One-shot postbox subcommands for contacts, conversations and maintenance
// ABOUTME: Each command opens the configured backend, does its work and closes it

package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389/coven-postbox/internal/contact"
	"github.com/2389/coven-postbox/internal/editor"
	"github.com/2389/coven-postbox/internal/filecache"
	"github.com/2389/coven-postbox/internal/message"
	"github.com/2389/coven-postbox/internal/store"
)

func newContactsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage contacts",
	}

	var kind, alias string
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a contact and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := store.ParseContactKind(kind)
			if err != nil {
				return err
			}

			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			c := contact.New(k, args[0], alias)
			if err := contact.NewDirectory(e.backend, e.logger).Add(cmd.Context(), c); err != nil {
				return fmt.Errorf("adding contact: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.ID())
			return nil
		},
	}
	add.Flags().StringVar(&kind, "kind", "person", "contact kind (person|group|channel)")
	add.Flags().StringVar(&alias, "alias", "", "optional alias")

	list := &cobra.Command{
		Use:   "list",
		Short: "List contacts in insertion order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			out := cmd.OutOrStdout()
			gray := color.New(color.FgHiBlack)
			return contact.NewDirectory(e.backend, e.logger).ForEach(cmd.Context(), func(c contact.Contact) {
				fmt.Fprintf(out, "%s  %-8s %s", c.ID(), c.Kind(), c.DisplayName())
				if c.Alias() != "" {
					gray.Fprintf(out, " (%s)", c.Alias())
				}
				fmt.Fprintln(out)
			})
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show contact counts by kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			dir := contact.NewDirectory(e.backend, e.logger)
			out := cmd.OutOrStdout()

			total, err := dir.Count(cmd.Context(), nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%-8s %d\n", "total", total)

			for _, k := range []contact.Kind{contact.Person, contact.Group, contact.Channel} {
				n, err := dir.Count(cmd.Context(), &k)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-8s %d\n", k, n)
			}
			return nil
		},
	}
}

func newDirectCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "direct PERSON_A PERSON_B",
		Short: "Open (or find) the direct conversation between two persons",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("%w: %s: %w", errUsage, args[0], err)
			}
			b, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("%w: %s: %w", errUsage, args[1], err)
			}

			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			conv, err := newService(e).OpenDirect(cmd.Context(), a, b)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), conv.ID())
			return nil
		},
	}
}

type postOptions struct {
	conversation string
	author       string
	text         []string
	markdown     []string
	attach       []string
	members      []string
}

func newPostCommand(opts *rootOptions) *cobra.Command {
	po := &postOptions{}

	cmd := &cobra.Command{
		Use:   "post",
		Short: "Compose and commit a message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := uuid.Parse(po.conversation)
			if err != nil {
				return fmt.Errorf("%w: --conversation: %w", errUsage, err)
			}
			author, err := uuid.Parse(po.author)
			if err != nil {
				return fmt.Errorf("%w: --author: %w", errUsage, err)
			}
			var members message.Members
			for _, m := range po.members {
				id, err := uuid.Parse(m)
				if err != nil {
					return fmt.Errorf("%w: --member: %w", errUsage, err)
				}
				members = append(members, id)
			}

			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			cache := filecache.New(e.backend,
				filecache.WithGracePeriod(e.cfg.Cache.GracePeriod),
				filecache.WithLogger(e.logger),
			)
			ed := editor.New(cache, editor.WithReporter(e.stream), editor.WithLogger(e.logger))

			for _, t := range po.text {
				ed.AddText(t)
			}
			for _, md := range po.markdown {
				if err := ed.AddMarkdown(md); err != nil {
					return err
				}
			}
			for _, path := range po.attach {
				if err := ed.Attach(ctx, path); err != nil {
					_ = ed.Clear(ctx)
					return err
				}
			}

			id, err := ed.Commit(ctx, newService(e), conv, author, members)
			if err != nil {
				_ = ed.Clear(ctx)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&po.conversation, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&po.author, "author", "", "author contact id")
	cmd.Flags().StringArrayVar(&po.text, "text", nil, "plain text fragment (repeatable)")
	cmd.Flags().StringArrayVar(&po.markdown, "markdown", nil, "markdown fragment rendered to HTML (repeatable)")
	cmd.Flags().StringArrayVar(&po.attach, "attach", nil, "file to attach (repeatable)")
	cmd.Flags().StringArrayVar(&po.members, "member", nil, "recipient for group or channel conversations (repeatable)")
	_ = cmd.MarkFlagRequired("conversation")
	_ = cmd.MarkFlagRequired("author")

	return cmd
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var since string
	var limit int

	cmd := &cobra.Command{
		Use:   "history CONVERSATION",
		Short: "Print messages of a conversation in timestamp order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("%w: %s: %w", errUsage, args[0], err)
			}
			var from time.Time
			if since != "" {
				if from, err = time.Parse(time.RFC3339Nano, since); err != nil {
					return fmt.Errorf("%w: --since: %w", errUsage, err)
				}
			}

			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			out := cmd.OutOrStdout()
			gray := color.New(color.FgHiBlack)
			for msg, err := range newService(e).MessagesSince(cmd.Context(), conv, from, limit) {
				if err != nil {
					return err
				}
				gray.Fprintf(out, "%s ", msg.CreatedAt().Format(time.RFC3339Nano))
				fmt.Fprintf(out, "%s %s", msg.ID(), msg.AuthorID())
				if msg.Tombstoned() {
					gray.Fprint(out, " [deleted]")
				}
				for _, f := range msg.Content() {
					switch f.Kind {
					case message.FragmentAttachment:
						fmt.Fprintf(out, " [%s %s]", f.Attachment.Name, humanize.Bytes(uint64(f.Attachment.Size)))
					default:
						fmt.Fprintf(out, " %s", f.Text)
					}
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "only messages strictly after this RFC 3339 time")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of messages (0 for all)")
	return cmd
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Evict unreferenced cached files past the grace period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			cache := filecache.New(e.backend,
				filecache.WithGracePeriod(e.cfg.Cache.GracePeriod),
				filecache.WithLogger(e.logger),
			)
			n, err := cache.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evicted %d file(s)\n", n)
			return nil
		},
	}
}

func newWipeCommand(opts *rootOptions) *cobra.Command {
	var conversation string
	var all bool

	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete the messages of one conversation or of all conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (conversation != "") {
				return fmt.Errorf("%w: exactly one of --conversation or --all is required", errUsage)
			}
			var conv uuid.UUID
			if !all {
				var err error
				if conv, err = uuid.Parse(conversation); err != nil {
					return fmt.Errorf("%w: --conversation: %w", errUsage, err)
				}
			}

			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			svc := newService(e)
			var n int
			if all {
				n, err = svc.WipeAll(cmd.Context())
			} else {
				n, err = svc.Wipe(cmd.Context(), conv)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wiped %d message(s)\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id")
	cmd.Flags().BoolVar(&all, "all", false, "wipe every conversation")
	return cmd
}

func newService(e *env) *message.Service {
	return message.New(e.backend,
		message.WithReporter(e.stream),
		message.WithLogger(e.logger),
	)
}
