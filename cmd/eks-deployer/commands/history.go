package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/dao/deploymentdao"
	"github.com/savaki/eks-deployer/internal/dao/lockdao"
	"github.com/urfave/cli/v2"
)

func HistoryCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:    "history",
		Aliases: []string{"h"},
		Usage:   "List recent deployments of the app, newest first",
		Flags: append(configFlags(),
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of deployments to show",
				Value: 10,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print records as JSON",
			},
		),
		Action: func(c *cli.Context) error {
			return historyAction(c, logger)
		},
	}
}

func historyAction(c *cli.Context, logger *zerolog.Logger) error {
	s, err := loadSession(c, logger, true)
	if err != nil {
		return err
	}
	dynamo, err := s.state()
	if err != nil {
		return err
	}

	records, err := dynamo.Deployments().Query(c.Context, clusterID(s.cfg), s.cfg.App, c.Int("limit"))
	if err != nil {
		return err
	}

	if c.Bool("json") {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(records)
	}

	if len(records) == 0 {
		fmt.Printf("No deployments recorded for %s on %s\n", s.cfg.App, clusterID(s.cfg))
		return nil
	}
	displayHistory(records)
	return nil
}

func displayHistory(records []deploymentdao.Record) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEPLOYMENT\tSTATUS\tSTAGE\tNAMESPACE\tHOLDER\tSTARTED\tIMAGE")
	for _, r := range records {
		stage := r.Stage
		if r.Status == deploymentdao.StatusFailed && r.ErrorMsg != "" {
			stage = r.Stage + ": " + r.ErrorMsg
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.SK,
			r.Status,
			stage,
			r.Namespace,
			r.Holder,
			time.Unix(r.CreatedAt, 0).Format(time.RFC3339),
			r.Image,
		)
	}
	_ = w.Flush()
}

func UnlockCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "unlock",
		Usage: "Remove a stuck deployment lock",
		Description: `Deletes the deployment lock for the app in the target namespace. Only use
this when the deployment holding the lock is known to have died; locks also
expire on their own after an hour.`,
		Flags: configFlags(),
		Action: func(c *cli.Context) error {
			return unlockAction(c, logger)
		},
	}
}

func unlockAction(c *cli.Context, logger *zerolog.Logger) error {
	s, err := loadSession(c, logger, true)
	if err != nil {
		return err
	}
	dynamo, err := s.state()
	if err != nil {
		return err
	}

	id := lockdao.NewID(clusterID(s.cfg), s.cfg.Cluster.Namespace, s.cfg.App)
	record, err := dynamo.Locks().Find(c.Context, id)
	if err != nil {
		return err
	}
	if record == nil {
		fmt.Printf("No lock held for %s\n", id)
		return nil
	}

	if err := dynamo.Locks().Delete(c.Context, id); err != nil {
		return err
	}

	s.logger.Warn().
		Str("lock", id.String()).
		Str("deployment_id", record.DeploymentID).
		Str("holder", record.Holder).
		Msg("removed deployment lock")
	return nil
}
