// Package connect dispatches Connect remote-control requests, received
// over the dealer transport, to playback pipeline operations and reports
// success or failure back on the same channel.
package connect

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/waveecore/waveecore/internal/dealer"
	"github.com/waveecore/waveecore/internal/logging"
	"github.com/waveecore/waveecore/internal/pipeline"
)

// Pipeline is the subset of pipeline.Pipeline the handler drives.
type Pipeline interface {
	Play(ctx context.Context, cmd pipeline.PlayCommand) error
	Pause() error
	Resume() error
	Seek(ctx context.Context, ms int64) error
	SetShuffle(on bool)
	SetRepeatTrack(on bool)
	SetRepeatContext(on bool)
}

// QueueManager resolves the next/previous track URI for skip commands;
// supplied externally since queue/context state lives outside this package.
type QueueManager interface {
	Next(ctx context.Context) (trackURI string, err error)
	Previous(ctx context.Context) (trackURI string, err error)
}

// ReplySender sends a reply frame bound to a dealer request key.
type ReplySender interface {
	SendReply(key string, success bool) error
}

// command is the shape of a ConnectCommand (Request.payload.command).
type command struct {
	Endpoint   string `json:"endpoint"`
	PositionMs int64  `json:"position"`
	Value      bool   `json:"value"`
	Context    struct {
		CurrentItem struct {
			URI string `json:"uri"`
		} `json:"current_item"`
	} `json:"context"`
}

// Handler subscribes to dealer Request events and routes them to the
// pipeline (or queue manager), replying success/failure on each.
type Handler struct {
	pipeline Pipeline
	queue    QueueManager
	replies  ReplySender
	log      *slog.Logger
}

// New builds a Handler. queue may be nil if skip_next/skip_prev are unused.
func New(p Pipeline, queue QueueManager, replies ReplySender) *Handler {
	return &Handler{pipeline: p, queue: queue, replies: replies, log: logging.For("connect")}
}

// Run consumes dealer events from events until it closes or ctx is canceled,
// handling Request events and ignoring everything else.
func (h *Handler) Run(ctx context.Context, events <-chan dealer.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != dealer.TypeRequest {
				continue
			}
			h.handleRequest(ctx, ev)
		}
	}
}

func (h *Handler) handleRequest(ctx context.Context, ev dealer.Event) {
	var cmd command
	if err := json.Unmarshal(ev.Command, &cmd); err != nil {
		h.log.Warn("connect: malformed command payload", "error", err, "key", ev.Key)
		h.reply(ev.Key, false)
		return
	}

	err := h.dispatch(ctx, cmd)
	if err != nil {
		h.log.Warn("connect: command failed", "endpoint", cmd.Endpoint, "error", err, "key", ev.Key)
	}
	h.reply(ev.Key, err == nil)
}

func (h *Handler) dispatch(ctx context.Context, cmd command) error {
	switch cmd.Endpoint {
	case "play", "transfer":
		return h.pipeline.Play(ctx, pipeline.PlayCommand{
			TrackURI:   cmd.Context.CurrentItem.URI,
			PositionMs: cmd.PositionMs,
		})
	case "pause":
		return h.pipeline.Pause()
	case "resume":
		return h.pipeline.Resume()
	case "seek_to":
		return h.pipeline.Seek(ctx, cmd.PositionMs)
	case "skip_next":
		if h.queue == nil {
			return errNoQueueManager
		}
		return h.skip(ctx, h.queue.Next)
	case "skip_prev":
		if h.queue == nil {
			return errNoQueueManager
		}
		return h.skip(ctx, h.queue.Previous)
	case "set_shuffling_context":
		h.pipeline.SetShuffle(cmd.Value)
		return nil
	case "set_repeating_track":
		h.pipeline.SetRepeatTrack(cmd.Value)
		return nil
	case "set_repeating_context":
		h.pipeline.SetRepeatContext(cmd.Value)
		return nil
	default:
		return errUnknownEndpoint(cmd.Endpoint)
	}
}

func (h *Handler) skip(ctx context.Context, resolve func(context.Context) (string, error)) error {
	if h.queue == nil {
		return errNoQueueManager
	}
	uri, err := resolve(ctx)
	if err != nil {
		return err
	}
	return h.pipeline.Play(ctx, pipeline.PlayCommand{TrackURI: uri})
}

func (h *Handler) reply(key string, success bool) {
	if h.replies == nil {
		return
	}
	if err := h.replies.SendReply(key, success); err != nil {
		h.log.Warn("connect: send_reply failed", "key", key, "error", err)
	}
}
