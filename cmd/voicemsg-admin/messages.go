package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/target/voice-message-api/internal/domain/model"
)

const (
	defaultQueryTimeout = 30 * time.Second
	previewLength       = 40
)

type listMessagesOptions struct {
	Status      string
	RequestedBy string
	Limit       int
	Offset      int
	JSON        bool
}

func parseListMessagesFlags(args []string) (model.SubmissionListOptions, bool, error) {
	fs := flag.NewFlagSet("list-messages", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts listMessagesOptions
	fs.StringVar(&opts.Status, "status", "", "Filter by status (RECEIVED, PROCESSING, COMPLETED, FAILED)")
	fs.StringVar(&opts.RequestedBy, "requested-by", "", "Filter by requester")
	fs.IntVar(&opts.Limit, "limit", 20, "Maximum number of submissions to print")
	fs.IntVar(&opts.Offset, "offset", 0, "Number of submissions to skip")
	fs.BoolVar(&opts.JSON, "json", false, "Print submissions as JSON")

	if err := fs.Parse(args); err != nil {
		return model.SubmissionListOptions{}, false, err
	}

	list := model.SubmissionListOptions{Limit: opts.Limit, Offset: opts.Offset}
	if s := strings.TrimSpace(opts.Status); s != "" {
		var status model.SubmissionStatus
		if err := status.UnmarshalText([]byte(s)); err != nil {
			return model.SubmissionListOptions{}, false, fmt.Errorf("--status: %w", err)
		}
		list.Status = &status
	}
	if who := strings.TrimSpace(opts.RequestedBy); who != "" {
		list.RequestedBy = &who
	}
	list.Normalize()
	if err := list.Validate(); err != nil {
		return model.SubmissionListOptions{}, false, err
	}
	return list, opts.JSON, nil
}

func runListMessages(cmdCtx *commandContext, args []string) error {
	opts, asJSON, err := parseListMessagesFlags(args)
	if err != nil {
		return err
	}

	infra, err := connectStore(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeLogged(cmdCtx.Logger, infra)

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultQueryTimeout)
	defer cancel()

	recs, err := infra.Repo.List(ctx, opts)
	if err != nil {
		return fmt.Errorf("list submissions: %w", err)
	}
	if asJSON {
		return printJSON(cmdCtx.Out, recs)
	}
	return renderMessages(cmdCtx.Out, recs)
}

func runShowMessage(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("show-message", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	id := fs.String("id", "", "Submission id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" && fs.NArg() > 0 {
		*id = fs.Arg(0)
	}
	if strings.TrimSpace(*id) == "" {
		return errors.New("--id is required")
	}

	infra, err := connectStore(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeLogged(cmdCtx.Logger, infra)

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultQueryTimeout)
	defer cancel()

	rec, err := infra.Repo.Fetch(ctx, strings.TrimSpace(*id))
	if err != nil {
		if errors.Is(err, model.ErrSubmissionNotFound) {
			return fmt.Errorf("submission %s not found", *id)
		}
		return fmt.Errorf("fetch submission: %w", err)
	}
	return printJSON(cmdCtx.Out, rec)
}

func renderMessages(w io.Writer, recs []*model.Submission) error {
	if len(recs) == 0 {
		return writeln(w, "No submissions found.")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "ID\tSTATUS\tREQUESTED BY\tCREATED\tDETAIL"); err != nil {
		return err
	}
	for _, rec := range recs {
		if err := writef(tw, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			rec.Status,
			rec.RequestedBy,
			rec.CreatedAt.UTC().Format(time.RFC3339),
			messageDetail(rec),
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// messageDetail shows the failure reason, the stored object, or a text preview.
func messageDetail(rec *model.Submission) string {
	switch {
	case rec.ErrorMessage != nil:
		return "error: " + *rec.ErrorMessage
	case rec.S3ObjectKey != nil && rec.S3BucketName != nil:
		return *rec.S3BucketName + "/" + *rec.S3ObjectKey
	default:
		return preview(rec.OriginalText)
	}
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= previewLength {
		return fmt.Sprintf("%q", text)
	}
	return fmt.Sprintf("%q...", string(runes[:previewLength]))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
