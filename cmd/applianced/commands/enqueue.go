package commands

import (
	"context"
	"encoding/json"
	"log/slog"

	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
	"git.home.luguber.info/inful/applianced/internal/jobqueue"
	"git.home.luguber.info/inful/applianced/internal/logfields"
)

// EnqueueCmd submits a job into the queue database shared with the daemon.
// A running daemon picks it up on its next poll.
type EnqueueCmd struct {
	Module string `arg:"" help:"Module name, e.g. host"`
	Job    string `arg:"" help:"Job name, e.g. updates:check"`
	Data   string `help:"JSON payload for the job"`
	Actor  string `help:"Actor recorded on the job" default:"cli"`
}

func (e *EnqueueCmd) Run(g *Global, root *CLI) error {
	cfg, err := root.LoadConfig()
	if err != nil {
		return err
	}
	return e.run(context.Background(), g, cfg.Queue.Database)
}

func (e *EnqueueCmd) run(ctx context.Context, g *Global, database string) error {
	var data json.RawMessage
	if e.Data != "" {
		if !json.Valid([]byte(e.Data)) {
			return ferrors.ValidationError("job data is not valid JSON").
				WithContext("data", e.Data).
				Build()
		}
		data = json.RawMessage(e.Data)
	}

	store, err := jobqueue.OpenStore(database)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			slog.Warn("Failed to close queue store", logfields.Error(cerr))
		}
	}()

	job, err := jobqueue.New(store, jobqueue.QueueName(e.Module)).Enqueue(ctx, e.Job, data, e.Actor)
	if err != nil {
		return err
	}
	slog.Debug("Job enqueued", logfields.Module(e.Module), logfields.JobID(job.ID), logfields.JobName(job.Name))
	return g.printJSON(job)
}
