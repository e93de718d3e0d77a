package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/websteadhq/webstead/activitypub"
	"github.com/websteadhq/webstead/db"
	"github.com/websteadhq/webstead/domain"
	"github.com/websteadhq/webstead/util"
	"go.uber.org/zap"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
)

// openStore loads the configuration and opens the database for one-shot
// commands.
func openStore() (*util.AppConfig, *db.DB, *zap.Logger, error) {
	conf, err := util.ReadConf(configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := util.NewLogger(conf)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	store, err := db.Open(util.ResolveDataPath(conf.Conf.Database), logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return conf, store, logger, nil
}

func lookupWebstead(ctx context.Context, store *db.DB, subdomain string) (*domain.Webstead, error) {
	w, err := store.ReadWebsteadBySubdomain(ctx, domain.NormalizeSubdomain(subdomain))
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("webstead %q not found", subdomain)
	}
	return w, err
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}

func websteadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webstead",
		Short: "Provision and inspect websteads",
	}
	cmd.AddCommand(websteadCreateCmd(), websteadListCmd(), websteadKeysCmd())
	return cmd
}

func websteadCreateCmd() *cobra.Command {
	var customDomain, name, bio string

	cmd := &cobra.Command{
		Use:   "create <subdomain>",
		Short: "Create a webstead and generate its signing keypair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, store, logger, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()

			subdomain := domain.NormalizeSubdomain(args[0])
			if err := domain.ValidateSubdomain(subdomain); err != nil {
				return err
			}
			if err := domain.ValidateCustomDomain(customDomain); err != nil {
				return err
			}

			w := &domain.Webstead{
				Id:           uuid.New(),
				Subdomain:    subdomain,
				CustomDomain: customDomain,
				Settings:     map[string]string{},
				CreatedAt:    time.Now(),
			}
			if name != "" {
				w.Settings[domain.SettingDisplayName] = name
			}
			if bio != "" {
				w.Settings[domain.SettingBio] = bio
			}
			if err := store.CreateWebstead(ctx, w); err != nil {
				if errors.Is(err, db.ErrConflict) {
					return fmt.Errorf("webstead %q already exists", subdomain)
				}
				return err
			}

			keys := activitypub.NewKeyManager(store, conf.Conf.BaseDomain, logger)
			if err := keys.EnsureKeypair(ctx, w); err != nil {
				return fmt.Errorf("generating keypair: %w", err)
			}

			fmt.Println(successStyle.Render("Created webstead " + subdomain))
			fmt.Println(mutedStyle.Render("Actor: " + w.ActorURI(conf.Conf.BaseDomain)))
			fmt.Println(mutedStyle.Render("Handle: @" + w.Handle() + "@" + w.PrimaryDomain(conf.Conf.BaseDomain)))
			return nil
		},
	}

	cmd.Flags().StringVar(&customDomain, "custom-domain", "", "custom domain served by this webstead")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&bio, "bio", "", "short biography")
	return cmd
}

func websteadListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all websteads",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			websteads, err := store.ReadAllWebsteads(cmd.Context())
			if err != nil {
				return err
			}

			t := newTable("SUBDOMAIN", "DOMAIN", "NAME", "KEYS", "CREATED")
			for i := range websteads {
				w := &websteads[i]
				keys := "missing"
				if w.HasKeypair() {
					keys = "ok"
				}
				t.Row(w.Subdomain, w.PrimaryDomain(conf.Conf.BaseDomain), w.DisplayName(), keys, formatTime(w.CreatedAt))
			}
			fmt.Println(t)
			return nil
		},
	}
}

func websteadKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys <subdomain>",
		Short: "Print the public key, generating a keypair if none exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, store, logger, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()

			w, err := lookupWebstead(ctx, store, args[0])
			if err != nil {
				return err
			}
			keys := activitypub.NewKeyManager(store, conf.Conf.BaseDomain, logger)
			if err := keys.EnsureKeypair(ctx, w); err != nil {
				return err
			}

			fmt.Println(headerStyle.Render("Key ID: " + keys.KeyID(w)))
			fmt.Print(keys.PublicKeyPem(w))
			return nil
		},
	}
}

func postCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Write posts for federation",
	}
	cmd.AddCommand(postCreateCmd())
	return cmd
}

func postCreateCmd() *cobra.Command {
	var title, body, at string
	var draft bool

	cmd := &cobra.Command{
		Use:   "create <subdomain>",
		Short: "Create a post; published posts are delivered to followers by the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()

			w, err := lookupWebstead(ctx, store, args[0])
			if err != nil {
				return err
			}

			now := time.Now()
			p := &domain.Post{
				Id:         uuid.New(),
				WebsteadId: w.Id,
				Title:      title,
				Body:       body,
				CreatedAt:  now,
			}
			switch {
			case draft:
			case at != "":
				publishAt, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				p.PublishedAt = &publishAt
			default:
				p.PublishedAt = &now
			}

			if err := store.CreatePost(ctx, p); err != nil {
				return err
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("Created %s post %s", p.State(now), p.Id)))
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "post title")
	cmd.Flags().StringVar(&body, "body", "", "post body (markdown links allowed)")
	cmd.Flags().StringVar(&at, "at", "", "publish time (RFC3339); defaults to now")
	cmd.Flags().BoolVar(&draft, "draft", false, "save without publishing")
	cmd.MarkFlagRequired("title")
	return cmd
}

func followersCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "followers <subdomain>",
		Short: "List the followers of a webstead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()

			w, err := lookupWebstead(ctx, store, args[0])
			if err != nil {
				return err
			}
			followers, err := store.ReadFollowers(ctx, w.Id, domain.FollowerStatus(status))
			if err != nil {
				return err
			}

			t := newTable("ACTOR", "INBOX", "STATUS", "SINCE")
			for i := range followers {
				f := &followers[i]
				actor, inbox := f.FederatedActorId.String(), ""
				if f.Actor != nil {
					actor, inbox = f.Actor.ActorURI, f.Actor.DeliveryInbox()
				}
				t.Row(actor, inbox, string(f.Status), formatTime(f.CreatedAt))
			}
			fmt.Println(headerStyle.Render(fmt.Sprintf("%d followers of %s", len(followers), w.Subdomain)))
			fmt.Println(t)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, accepted, rejected)")
	cmd.AddCommand(followerDecisionCmd("accept"), followerDecisionCmd("reject"))
	return cmd
}

// followerDecisionCmd settles a pending follow request. Accepting queues an
// Accept that the server delivers.
func followerDecisionCmd(decision string) *cobra.Command {
	return &cobra.Command{
		Use:   decision + " <subdomain> <actor-uri>",
		Short: "Mark a pending follower as " + decision + "ed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, store, logger, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()

			w, err := lookupWebstead(ctx, store, args[0])
			if err != nil {
				return err
			}

			inbox := activitypub.New(store, conf, logger, prometheus.NewRegistry()).Inbox
			settle := inbox.RejectFollower
			if decision == "accept" {
				settle = inbox.ApproveFollower
			}
			f, err := settle(ctx, w, args[1])
			switch {
			case errors.Is(err, db.ErrNotFound):
				return fmt.Errorf("%s does not follow %s", args[1], w.Subdomain)
			case errors.Is(err, domain.ErrInvalidTransition):
				return fmt.Errorf("follower %s is already %s", args[1], currentStatus(ctx, store, w, args[1]))
			case err != nil:
				return err
			}

			fmt.Println(successStyle.Render(fmt.Sprintf("%s is now %s", args[1], f.Status)))
			return nil
		},
	}
}

func currentStatus(ctx context.Context, store *db.DB, w *domain.Webstead, actorURI string) domain.FollowerStatus {
	f, err := store.ReadFollowerByActor(ctx, w.Id, actorURI)
	if err != nil {
		return "unknown"
	}
	return f.Status
}

func deliveriesCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Show queued outbound deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()

			total, err := store.CountDeliveries(ctx)
			if err != nil {
				return err
			}
			tasks, err := store.ReadDeliveries(ctx, limit)
			if err != nil {
				return err
			}

			t := newTable("INBOX", "ATTEMPTS", "NEXT ATTEMPT", "LAST ERROR")
			for i := range tasks {
				task := &tasks[i]
				t.Row(task.InboxURL,
					strconv.Itoa(task.Attempts)+"/"+strconv.Itoa(activitypub.MaxDeliveryAttempts),
					formatTime(task.NextAttemptAt),
					task.LastError)
			}
			fmt.Println(headerStyle.Render(fmt.Sprintf("%d queued deliveries", total)))
			fmt.Println(t)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows to show")
	return cmd
}
