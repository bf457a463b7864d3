package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
	"github.com/JakeFAU/zonecrawler/internal/queue"
	"github.com/JakeFAU/zonecrawler/internal/slug"
)

// newSeedCmd creates the 'seed' subcommand, which enqueues zone jobs.
func newSeedCmd() *cobra.Command {
	var (
		zones    []string
		game     string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "seed [zone...]",
		Short: "Enqueues seed jobs for one or more zones",
		Example: `  zonecrawler seed "Elwynn Forest" Westfall
  zonecrawler seed --zone Duskwood --game wow --priority 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if game == "" {
				game = appInstance.Config().Game
			}
			jobs, err := seedJobs(append(zones, args...), game, priority)
			if err != nil {
				return err
			}
			return publishJobs(cmd.Context(), appInstance.GetQueue(), jobs, appInstance.GetLogger())
		},
	}
	cmd.Flags().StringArrayVar(&zones, "zone", nil, "zone name to enqueue (repeatable)")
	cmd.Flags().StringVar(&game, "game", "", "game the zones belong to (defaults to config game)")
	cmd.Flags().IntVar(&priority, "priority", queue.SeedPriority, "queue priority; discovered zones use -1")
	return cmd
}

func seedJobs(names []string, game string, priority int) ([]crawler.CrawlJob, error) {
	var jobs []crawler.CrawlJob
	seen := make(map[string]struct{})
	for _, name := range names {
		name = strings.TrimSpace(name)
		s := slug.Make(name)
		if s == "" {
			return nil, fmt.Errorf("zone name %q has no slug", name)
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		jobs = append(jobs, crawler.CrawlJob{ZoneName: name, Game: game, Priority: priority})
	}
	if len(jobs) == 0 {
		return nil, errors.New("at least one zone required")
	}
	return jobs, nil
}

func publishJobs(ctx context.Context, pub queue.Publisher, jobs []crawler.CrawlJob, logger *zap.Logger) error {
	for _, job := range jobs {
		if err := pub.Publish(ctx, job); err != nil {
			return fmt.Errorf("enqueue %s: %w", job.ZoneName, err)
		}
		logger.Info("zone enqueued",
			zap.String("zone", job.ZoneName),
			zap.String("game", job.Game),
			zap.Int("priority", job.Priority),
		)
	}
	return nil
}

// newZoneCmd creates the 'zone' subcommand, which prints a zone record and
// its connected zones from the metadata graph.
func newZoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "zone <name-or-slug>",
		Short: "Shows a zone and its connected zones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			meta := appInstance.GetMetadata()
			s := slug.Make(args[0])
			zone, ok, err := meta.GetZone(cmd.Context(), s)
			if err != nil {
				return fmt.Errorf("get zone: %w", err)
			}
			if !ok {
				return fmt.Errorf("zone %q not found", s)
			}
			connected, err := meta.ConnectedZones(cmd.Context(), s)
			if err != nil {
				return fmt.Errorf("connected zones: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"zone": zone, "connected": connected})
		},
	}
}
