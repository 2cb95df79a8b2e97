package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/holdfast-dev/holdfast/internal/capture"
	"github.com/holdfast-dev/holdfast/internal/config"
	"github.com/holdfast-dev/holdfast/internal/errors"
	"github.com/holdfast-dev/holdfast/internal/ops"
	"github.com/holdfast-dev/holdfast/internal/sched"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(db *sql.DB, cfg *config.Config, log zerolog.Logger) *cli.App {
	app := &cli.App{
		Name:    "holdfast",
		Usage:   "Crash-safe capture staging ledger",
		Version: Version,
		Commands: []*cli.Command{
			stageCmd(db, cfg),
			transcribedCmd(db),
			transcribeFailedCmd(db),
			exportCmd(db, cfg, log),
			recoverCmd(db, cfg, log),
			backupCmd(db, cfg, log),
			pruneCmd(db, cfg),
			healthCmd(db),
			runCmd(db, cfg, log),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// stageCmd inserts a capture on behalf of an upstream source.
func stageCmd(db *sql.DB, _ *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "stage",
		Usage: "Stage a capture (email content is read from stdin)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "channel", Aliases: []string{"c"}, Required: true, Usage: "Source channel: voice|email"},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Audio file path (voice)"},
			&cli.StringFlag{Name: "message-id", Aliases: []string{"m"}, Usage: "Message id (email)"},
			&cli.StringFlag{Name: "from", Usage: "Sender (email)"},
			&cli.StringFlag{Name: "subject", Usage: "Subject (email)"},
		},
		Action: func(c *cli.Context) error {
			input := ops.StageInput{
				Channel:   capture.Channel(c.String("channel")),
				FilePath:  c.String("file"),
				MessageID: c.String("message-id"),
				From:      c.String("from"),
				Subject:   c.String("subject"),
			}

			if input.Channel == capture.ChannelEmail {
				if !stdinHasData() {
					return outputError(errors.NewInvalidRequest("email content must be piped via stdin"))
				}
				content, err := readStdin()
				if err != nil {
					return outputError(errors.NewInternal(err))
				}
				input.Content = content
			}

			output, err := ops.Stage(c.Context, db, input, time.Now())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// transcribedCmd binds a transcript to a staged capture.
func transcribedCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:      "transcribed",
		Usage:     "Mark a capture transcribed (transcript is read from stdin)",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("capture id argument required"))
			}
			if !stdinHasData() {
				return outputError(errors.NewInvalidRequest("transcript must be piped via stdin"))
			}
			transcript, err := readStdin()
			if err != nil {
				return outputError(errors.NewInternal(err))
			}

			if err := ops.MarkTranscribed(db, c.Args().First(), transcript, time.Now()); err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]string{"id": c.Args().First(), "status": string(capture.StatusTranscribed)})
		},
	}
}

// transcribeFailedCmd records a failed transcription.
func transcribeFailedCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:      "transcribe-failed",
		Usage:     "Mark a capture's transcription as failed",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Aliases: []string{"r"}, Value: "transcription failed", Usage: "Failure reason"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("capture id argument required"))
			}
			if err := ops.MarkTranscriptionFailed(db, c.Args().First(), c.String("reason"), time.Now()); err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]string{"id": c.Args().First(), "status": string(capture.StatusFailedTranscription)})
		},
	}
}

// exportCmd runs the atomic export for one capture.
func exportCmd(db *sql.DB, cfg *config.Config, log zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Export a transcribed capture into the vault (formatted content from stdin)",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "placeholder", Usage: "Write a placeholder for a failed transcription"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("capture id argument required"))
			}
			id := c.Args().First()

			writer := ops.NewRetryingWriter(ops.NewWriter(db, cfg.DestinationRoot, log), uint64(cfg.ExportMaxRetries))

			if c.Bool("placeholder") {
				output, err := writer.WritePlaceholder(c.Context, id)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(output)
			}

			if !stdinHasData() {
				return outputError(errors.NewInvalidRequest("formatted content must be piped via stdin"))
			}
			content, err := readStdin()
			if err != nil {
				return outputError(errors.NewInternal(err))
			}

			output, err := writer.WriteAtomic(c.Context, id, content)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// recoverCmd runs one crash-recovery reconciliation pass.
func recoverCmd(db *sql.DB, cfg *config.Config, log zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "recover",
		Usage: "Reconcile non-terminal captures after a crash",
		Action: func(c *cli.Context) error {
			writer := ops.NewWriter(db, cfg.DestinationRoot, log)
			reconciler := ops.NewReconciler(db, writer, nil, time.Duration(cfg.StaleAfterMinutes)*time.Minute, log)

			output, err := reconciler.Recover(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// backupCmd runs one backup cycle, or verifies an existing snapshot.
func backupCmd(db *sql.DB, cfg *config.Config, log zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Snapshot the ledger, verify it, and prune old snapshots",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "verify", Usage: "Only verify the snapshot at the given path"},
		},
		Action: func(c *cli.Context) error {
			backups := ops.NewBackups(db, cfg.BackupDir, cfg.BackupKeep, log)

			if path := c.String("verify"); path != "" {
				output, err := backups.Verify(c.Context, path)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(output)
			}

			if err := backups.RunCycle(c.Context); err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]bool{"success": true})
		},
	}
}

// pruneCmd ages out terminal captures and old diagnostics.
func pruneCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete terminal captures and diagnostics past their retention windows",
		Action: func(c *cli.Context) error {
			output, err := ops.Prune(db, cfg, time.Now())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// healthCmd prints the read-only operational snapshot.
func healthCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Report queue depth, recent errors, backup state, and placeholder ratio",
		Action: func(c *cli.Context) error {
			output, err := ops.Health(db, time.Now())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// runCmd recovers, then keeps the backup timer running until interrupted.
func runCmd(db *sql.DB, cfg *config.Config, log zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Recover the ledger, then run scheduled maintenance until interrupted",
		Action: func(c *cli.Context) error {
			writer := ops.NewWriter(db, cfg.DestinationRoot, log)
			reconciler := ops.NewReconciler(db, writer, nil, time.Duration(cfg.StaleAfterMinutes)*time.Minute, log)

			// Recovery blocks everything else: intake must not resume over
			// unreconciled rows.
			if _, err := reconciler.Recover(c.Context); err != nil {
				return outputError(err)
			}

			backups := ops.NewBackups(db, cfg.BackupDir, cfg.BackupKeep, log)

			supervisor := sched.New(log)
			supervisor.Every("backup", time.Duration(cfg.BackupIntervalMinutes)*time.Minute, backups.RunCycle)
			supervisor.Every("prune", 24*time.Hour, func(_ context.Context) error {
				_, err := ops.Prune(db, cfg, time.Now())
				return err
			})
			supervisor.Start(c.Context)
			defer supervisor.Shutdown()

			<-c.Context.Done()
			return nil
		},
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if hErr, ok := err.(*errors.HoldfastError); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", hErr.Code, hErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads all content from stdin.
func readStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
