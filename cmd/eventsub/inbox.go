package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lsm/eventsub/internal/config"
	"github.com/lsm/eventsub/internal/host"
	"github.com/lsm/eventsub/internal/inbox"
)

func newInboxCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect the poison inbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "streams",
		Short: "List poisoned streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, s inbox.Store) error {
				streams, err := s.Streams(ctx)
				if err != nil {
					return err
				}
				if streams == nil {
					streams = []inbox.StreamStatus{}
				}
				return writeJSON(cmd.OutOrStdout(), streams)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "events <stream>",
		Short: "List the quarantined events of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, s inbox.Store) error {
				events, err := s.Events(ctx, args[0])
				if err != nil {
					return err
				}
				out := make([]eventView, 0, len(events))
				for _, pe := range events {
					out = append(out, newEventView(pe))
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	})
	return cmd
}

type eventView struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	Partition     int32             `json:"partition"`
	Offset        int64             `json:"offset"`
	Key           string            `json:"key,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Value         json.RawMessage   `json:"value,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	FailureCount  int               `json:"failureCount"`
	FirstFailedAt string            `json:"firstFailedAt"`
	LastFailedAt  string            `json:"lastFailedAt"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

func newEventView(pe inbox.PoisonEvent) eventView {
	v := eventView{
		ID:            pe.ID.String(),
		Topic:         pe.Event.Topic,
		Partition:     pe.Event.Partition,
		Offset:        pe.Event.Offset,
		Key:           string(pe.Event.Key),
		Headers:       pe.Event.Headers,
		Reason:        pe.Reason,
		FailureCount:  pe.FailureCount,
		FirstFailedAt: pe.FirstFailedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		LastFailedAt:  pe.LastFailedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		CorrelationID: pe.CorrelationID,
	}
	if json.Valid(pe.Event.Value) {
		v.Value = pe.Event.Value
	} else if len(pe.Event.Value) > 0 {
		v.Value, _ = json.Marshal(pe.Event.Value)
	}
	return v
}

func withStore(ctx context.Context, opts *rootOptions, fn func(context.Context, inbox.Store) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Inbox.Backend == config.BackendMemory {
		return fmt.Errorf("inbox backend %q keeps no state outside the running process", cfg.Inbox.Backend)
	}
	s, err := host.OpenStore(ctx, cfg.Inbox)
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}
	defer s.Close(context.WithoutCancel(ctx))
	return fn(ctx, s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
