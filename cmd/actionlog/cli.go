package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/urfave/cli/v2"

	"example.com/greenpoints/internal/auth"
	"example.com/greenpoints/internal/capture"
	"example.com/greenpoints/internal/domain"
	"example.com/greenpoints/internal/frames"
	"example.com/greenpoints/internal/pipeline"
	"example.com/greenpoints/internal/points"
	"example.com/greenpoints/internal/storage"
	"example.com/greenpoints/internal/submission"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(in io.Reader, out io.Writer) *cli.App {
	app := &cli.App{
		Name:    "actionlog",
		Usage:   "Record eco-actions and collect green points",
		Version: Version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "api-url", Value: "http://localhost:8080", EnvVars: []string{"GREENPOINTS_API_URL"}, Usage: "Verification service base URL"},
			&cli.StringFlag{Name: "token", EnvVars: []string{"GREENPOINTS_TOKEN"}, Usage: "Bearer token for the signed-in user"},
			&cli.StringFlag{Name: "user-id", EnvVars: []string{"GREENPOINTS_USER_ID"}, Usage: "User id for recording keys (defaults to the token subject)"},
			&cli.StringFlag{Name: "storage-url", EnvVars: []string{"GREENPOINTS_STORAGE_URL"}, Usage: "Object storage base URL for archiving clips"},
			&cli.StringFlag{Name: "storage-key", EnvVars: []string{"GREENPOINTS_STORAGE_KEY"}, Usage: "Object storage bearer key"},
			&cli.StringFlag{Name: "storage-dir", EnvVars: []string{"GREENPOINTS_STORAGE_DIR"}, Usage: "Archive clips to a local directory instead"},
			&cli.DurationFlag{Name: "timeout", Value: 90 * time.Second, Usage: "Verification request timeout"},
		},
		Commands: []*cli.Command{
			categoriesCmd(out),
			recordCmd(in, out),
			verifyCmd(out),
			pointsCmd(out),
			watchCmd(out),
			devTokenCmd(out),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// categoriesCmd lists the accepted action categories.
func categoriesCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "categories",
		Usage: "List action categories",
		Action: func(c *cli.Context) error {
			for _, category := range domain.Categories() {
				fmt.Fprintln(out, category)
			}
			return nil
		},
	}
}

// recordCmd captures a clip from a local camera and submits it.
func recordCmd(in io.Reader, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "record",
		Usage: "Record an action with the camera and verify it (press Enter to stop)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Required: true, Usage: "Action category"},
			&cli.StringFlag{Name: "device", Aliases: []string{"d"}, Value: "/dev/video0", Usage: "Capture device"},
			&cli.DurationFlag{Name: "max-duration", Value: 30 * time.Second, Usage: "Stop recording after this long (0 for no limit)"},
		},
		Action: func(c *cli.Context) error {
			category, err := domain.ParseCategory(c.String("category"))
			if err != nil {
				return err
			}

			ctx, stopSignals := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stopSignals()

			tracker, err := trackerFor(c)
			if err != nil {
				return err
			}
			p, err := newPipeline(c, capture.NewFFmpegDevice(c.String("device")), tracker)
			if err != nil {
				return err
			}

			stop := make(chan struct{})
			go func() {
				_, _ = bufio.NewReader(in).ReadString('\n')
				close(stop)
			}()

			fmt.Fprintf(out, "Recording %s. Press Enter to stop.\n", category)
			verification, err := p.Record(ctx, category, stop, c.Duration("max-duration"))
			if err != nil {
				if errors.Is(err, context.Canceled) {
					fmt.Fprintln(out, "Recording cancelled.")
					return nil
				}
				return err
			}
			printVerification(out, verification)
			return printTotal(c.Context, out, tracker, verification)
		},
	}
}

// verifyCmd submits a clip that was recorded earlier.
func verifyCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Verify a recorded clip from disk",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Required: true, Usage: "Action category"},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Required: true, Usage: "Path to the video clip"},
		},
		Action: func(c *cli.Context) error {
			category, err := domain.ParseCategory(c.String("category"))
			if err != nil {
				return err
			}
			video, err := os.ReadFile(c.String("file"))
			if err != nil {
				return fmt.Errorf("read clip: %w", err)
			}

			tracker, err := trackerFor(c)
			if err != nil {
				return err
			}
			p, err := newPipeline(c, nil, tracker)
			if err != nil {
				return err
			}

			verification, err := p.Process(c.Context, category, video)
			if err != nil {
				return err
			}
			printVerification(out, verification)
			return printTotal(c.Context, out, tracker, verification)
		},
	}
}

// pointsCmd prints the caller's total, or ledger rows when a range is given.
func pointsCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "points",
		Usage: "Show the current green point total",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "start", Usage: "First day of a ledger range (YYYY-MM-DD)"},
			&cli.StringFlag{Name: "end", Usage: "Last day of a ledger range (YYYY-MM-DD)"},
		},
		Action: func(c *cli.Context) error {
			client, err := pointsClientFor(c)
			if err != nil {
				return err
			}

			start, end := c.String("start"), c.String("end")
			if start == "" && end == "" {
				total, err := client.Total(c.Context)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Total: %d points\n", total)
				return nil
			}
			if start == "" || end == "" {
				return errors.New("--start and --end must be given together")
			}

			entries, err := client.EntriesInRange(c.Context, start, end)
			if err != nil {
				return err
			}
			sum := 0
			for _, entry := range entries {
				sum += entry.Points
				fmt.Fprintf(out, "%s %s  %-16s %+4d\n", entry.Date, entry.Day, entry.Category, entry.Points)
			}
			fmt.Fprintf(out, "%d entries, %d points\n", len(entries), sum)
			return nil
		},
	}
}

// watchCmd follows the ledger stream and prints the total whenever it changes.
func watchCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Follow the point total live",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "retry", Value: 2 * time.Second, Usage: "Initial reconnect delay"},
		},
		Action: func(c *cli.Context) error {
			client, err := pointsClientFor(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			last := -1
			tracker := points.NewTracker(client, points.WithOnChange(func(total int) {
				if total != last {
					last = total
					fmt.Fprintf(out, "%s  total=%d\n", time.Now().Format(time.TimeOnly), total)
				}
			}))

			go func() { _ = tracker.Run(ctx) }()
			if err := points.Follow(ctx, client, tracker, c.Duration("retry")); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

// devTokenCmd signs a token for local development against a shared secret.
func devTokenCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "dev-token",
		Usage: "Sign a development token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Required: true, Usage: "User id"},
			&cli.StringFlag{Name: "secret", Value: "dev-secret-change-me", EnvVars: []string{"JWT_SECRET"}, Usage: "HS256 signing secret"},
			&cli.StringFlag{Name: "issuer", EnvVars: []string{"JWT_ISSUER"}, Usage: "Token issuer"},
			&cli.StringFlag{Name: "audience", EnvVars: []string{"JWT_AUDIENCE"}, Usage: "Token audience"},
			&cli.StringFlag{Name: "role", Usage: "Role claim"},
			&cli.StringFlag{Name: "email", Usage: "Email claim"},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "Token lifetime"},
		},
		Action: func(c *cli.Context) error {
			cfg := auth.Config{Secret: c.String("secret"), Issuer: c.String("issuer"), Audience: c.String("audience")}
			token, err := auth.Issue(cfg, c.String("subject"), c.Duration("ttl"),
				auth.WithRole(c.String("role")),
				auth.WithEmail(c.String("email")),
			)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, token)
			return nil
		},
	}
}

func newPipeline(c *cli.Context, device capture.Device, refresher pipeline.Refresher) (*pipeline.Pipeline, error) {
	token, err := requireToken(c)
	if err != nil {
		return nil, err
	}

	userID := c.String("user-id")
	if userID == "" {
		userID = tokenSubject(token)
	}

	opts := []submission.Option{}
	switch {
	case c.String("storage-dir") != "":
		opts = append(opts, submission.WithStore(storage.NewDiskStore(c.String("storage-dir"), storage.RecordingsBucket)))
	case c.String("storage-url") != "":
		opts = append(opts, submission.WithStore(storage.NewHTTPStore(c.String("storage-url"), storage.RecordingsBucket, c.String("storage-key"))))
	}

	verifier := submission.NewHTTPVerifier(c.String("api-url"), token, c.Duration("timeout"))
	submitter := submission.NewClient(verifier, userID, opts...)

	var recorder *capture.Recorder
	if device != nil {
		recorder = capture.NewRecorder(device)
	}
	return pipeline.New(
		recorder,
		frames.NewExtractor(frames.NewFFmpegDecoder()),
		submitter,
		pipeline.WithRefresher(refresher),
	), nil
}

func trackerFor(c *cli.Context) (*points.Tracker, error) {
	client, err := pointsClientFor(c)
	if err != nil {
		return nil, err
	}
	return points.NewTracker(client), nil
}

func pointsClientFor(c *cli.Context) (*points.Client, error) {
	token, err := requireToken(c)
	if err != nil {
		return nil, err
	}
	return points.NewClient(c.String("api-url"), token, 15*time.Second), nil
}

func requireToken(c *cli.Context) (string, error) {
	token := strings.TrimSpace(c.String("token"))
	if token == "" {
		return "", errors.New("a token is required: pass --token or set GREENPOINTS_TOKEN")
	}
	return token, nil
}

// tokenSubject reads the subject without verifying the signature; the service does that.
func tokenSubject(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}

func printVerification(out io.Writer, v *submission.Verification) {
	if v.Verified {
		fmt.Fprintf(out, "Verified! +%d points (confidence %d%%)\n", v.PointsAwarded, v.Confidence)
	} else {
		fmt.Fprintf(out, "Not verified (confidence %d%%)\n", v.Confidence)
	}
	if v.Feedback != "" {
		fmt.Fprintf(out, "  %s\n", v.Feedback)
	}
}

// printTotal refreshes the total after an award. A failed refresh is reported but does
// not fail the command; the verdict already stands.
func printTotal(ctx context.Context, out io.Writer, tracker *points.Tracker, v *submission.Verification) error {
	if !v.Verified {
		return nil
	}
	total, err := tracker.Refresh(ctx)
	if err != nil {
		fmt.Fprintf(out, "Could not refresh total: %v\n", err)
		return nil
	}
	fmt.Fprintf(out, "Total: %d points\n", total)
	return nil
}
