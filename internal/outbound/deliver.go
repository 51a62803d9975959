// Package outbound delivers run payloads to chat surfaces: fence-aware
// chunking, per-item media sends, bounded retries, and per-payload
// receipts. A delivery failure lands in the receipt; it never fails
// the run that produced the payload.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/markdown"
	"github.com/clawdis/clawdis/internal/media"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/internal/retry"
	"github.com/clawdis/clawdis/pkg/models"
)

// Target renders the reply address for an envelope: the chat id, with
// the thread discriminator appended for surfaces that address threads
// separately from the chat. Adapters parse the suffix back out.
func Target(env *models.Envelope) string {
	if env.ThreadID == "" {
		return env.From
	}
	switch env.Surface {
	case models.ChannelTelegram:
		return env.From + ":topic:" + env.ThreadID
	case models.ChannelSlack:
		return env.From + ":thread:" + env.ThreadID
	}
	return env.From
}

// Receipt reports the delivery outcome for one payload.
type Receipt struct {
	Index     int    `json:"index"`
	Delivered bool   `json:"delivered"`
	Chunks    int    `json:"chunks,omitempty"`
	MediaSent int    `json:"mediaSent,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Deliverer routes payloads to the adapter for a surface, chunking
// text to the surface cap and splitting media batches into per-item
// sends with the caption on the first item only.
type Deliverer struct {
	registry *channels.Registry
	logger   *slog.Logger
	policy   retry.Config
	now      func() time.Time
}

// NewDeliverer wires a deliverer over the adapter registry.
func NewDeliverer(registry *channels.Registry, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		registry: registry,
		logger:   logger.With("component", "outbound"),
		policy:   retry.Sends(),
		now:      time.Now,
	}
}

// Deliver sends payloads in order and returns one receipt per payload.
// It never returns an error: a failed payload gets its receipt error
// set and the remaining payloads are still attempted.
func (d *Deliverer) Deliver(ctx context.Context, id models.ChannelType, to string, payloads []*models.Payload) []Receipt {
	ctx, span := observability.StartSpan(ctx, "outbound.deliver",
		"channel", string(id),
		"payloads", len(payloads),
	)
	receipts := make([]Receipt, len(payloads))

	adapter, ok := d.registry.Get(id)
	if !ok {
		for i := range receipts {
			receipts[i] = Receipt{Index: i, Error: fmt.Sprintf("channel %s not registered", id)}
		}
		observability.EndSpan(span, fmt.Errorf("channel %s not registered", id))
		return receipts
	}

	for i, p := range payloads {
		receipts[i] = d.deliverOne(ctx, adapter, id, to, p)
		receipts[i].Index = i
	}
	failed := 0
	for _, r := range receipts {
		if r.Error != "" {
			failed++
		}
	}
	var spanErr error
	if failed > 0 {
		spanErr = fmt.Errorf("%d of %d payloads failed", failed, len(receipts))
	}
	observability.EndSpan(span, spanErr)
	return receipts
}

// DeliverText is the single-text convenience used by heartbeat and cron
// announcements.
func (d *Deliverer) DeliverText(ctx context.Context, id models.ChannelType, to, text string) error {
	receipts := d.Deliver(ctx, id, to, []*models.Payload{{Text: text}})
	if len(receipts) > 0 && receipts[0].Error != "" {
		return errors.New(receipts[0].Error)
	}
	return nil
}

func (d *Deliverer) deliverOne(ctx context.Context, adapter channels.Adapter, id models.ChannelType, to string, p *models.Payload) Receipt {
	if p == nil {
		return Receipt{Error: "nil payload"}
	}
	if err := p.Validate(); err != nil {
		return Receipt{Error: err.Error()}
	}
	if !p.HasMedia() {
		return d.deliverText(ctx, adapter, id, to, p.Text)
	}
	return d.deliverMedia(ctx, adapter, id, to, p)
}

func (d *Deliverer) deliverText(ctx context.Context, adapter channels.Adapter, id models.ChannelType, to, text string) Receipt {
	var rec Receipt
	// Table conversion runs before chunking so the chunker sees the
	// final fences.
	text = markdown.ConvertTables(text, markdown.TableModeFor(string(id)))
	for _, chunk := range channels.ChunkerFor(id).Split(text) {
		if err := d.sendText(ctx, adapter, id, to, chunk); err != nil {
			rec.Error = err.Error()
			d.logger.Warn("text delivery failed",
				"channel", id, "to", to, "chunksSent", rec.Chunks, "error", err)
			return rec
		}
		rec.Chunks++
	}
	rec.Delivered = true
	d.recordOutbound(id, to)
	return rec
}

func (d *Deliverer) deliverMedia(ctx context.Context, adapter channels.Adapter, id models.ChannelType, to string, p *models.Payload) Receipt {
	sender, ok := adapter.(channels.MediaSender)
	if !ok {
		// Surface has no attachment path: deliver the caption with the
		// references appended as plain text.
		d.logger.Warn("channel lacks media support, sending references as text", "channel", id)
		lines := append([]string{p.Text}, p.AllMedia()...)
		return d.deliverText(ctx, adapter, id, to, strings.TrimSpace(strings.Join(lines, "\n")))
	}

	var rec Receipt
	var errs []string
	for i, ref := range p.AllMedia() {
		item := &models.Payload{
			MediaURL: ref,
			IsVoice:  p.IsVoice || media.IsAudio(ref),
		}
		if i == 0 {
			item.Text = p.Text
			item.ReplyToID = p.ReplyToID
			item.ThreadID = p.ThreadID
		}
		if err := d.sendMedia(ctx, sender, id, to, item); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ref, err))
			d.logger.Warn("media delivery failed",
				"channel", id, "to", to, "ref", ref, "error", err)
			continue
		}
		rec.MediaSent++
	}
	if len(errs) > 0 {
		rec.Error = strings.Join(errs, "; ")
		return rec
	}
	rec.Delivered = true
	d.recordOutbound(id, to)
	return rec
}

// sendText runs one chunk through the bounded retry loop. Only
// transient failures are retried; anything else stops immediately.
func (d *Deliverer) sendText(ctx context.Context, adapter channels.Adapter, id models.ChannelType, to, chunk string) error {
	res := retry.Do(ctx, d.policy, func(int) error {
		err := adapter.SendText(ctx, to, chunk)
		if err != nil && !channels.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	d.recordSend(id, res)
	return res.Err
}

func (d *Deliverer) sendMedia(ctx context.Context, sender channels.MediaSender, id models.ChannelType, to string, item *models.Payload) error {
	res := retry.Do(ctx, d.policy, func(int) error {
		err := sender.SendMedia(ctx, to, item)
		if err != nil && !channels.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	d.recordSend(id, res)
	return res.Err
}

func (d *Deliverer) recordSend(id models.ChannelType, res retry.Result) {
	m := d.registry.Metrics(id)
	if m == nil {
		return
	}
	m.RecordSendLatency(res.Duration)
	if res.Err != nil {
		m.RecordMessageFailed()
		m.RecordError(channels.GetErrorCode(res.Err))
		return
	}
	m.RecordMessageSent()
}

func (d *Deliverer) recordOutbound(id models.ChannelType, to string) {
	d.registry.Activity().RecordOutbound(id, to, d.now())
}
