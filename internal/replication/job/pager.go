package job

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/classify"
	"github.com/sells-group/listing-sync/internal/cursor"
	"github.com/sells-group/listing-sync/internal/feed"
	"github.com/sells-group/listing-sync/internal/listing"
	"github.com/sells-group/listing-sync/internal/media"
	"github.com/sells-group/listing-sync/internal/model"
	"github.com/sells-group/listing-sync/internal/monitoring"
	"github.com/sells-group/listing-sync/internal/status"
	"github.com/sells-group/listing-sync/pkg/odata"
)

// maxPageFailures bounds consecutive failed fetches of the same page.
const maxPageFailures = 3

// pager walks one provider channel in (timestamp, key) order, merging each
// page and advancing the cursor only after the page is fully merged.
type pager struct {
	env     *Env
	src     feed.Source
	row     model.Source
	channel string
	mode    classify.Mode
	floor   time.Time
	// prior is added to progress reports so multi-channel runs stay cumulative.
	prior status.Counters
	log   *zap.Logger
}

func newPager(env *Env, src feed.Source, channel string, mode classify.Mode, floor time.Time) *pager {
	return &pager{
		env:     env,
		src:     src,
		row:     env.Row(src),
		channel: channel,
		mode:    mode,
		floor:   floor,
		log: zap.L().With(
			zap.String("component", "replication.pager"),
			zap.String("channel", channel),
			zap.String("provider", src.Slug()),
		),
	}
}

// run pages until a short or empty page, the page cap, repeated fetch
// failures, a stalled cursor or a done context.
func (p *pager) run(ctx context.Context) (*Result, error) {
	res := &Result{}
	cur, err := p.env.Cursors.Load(ctx, p.channel)
	if err != nil {
		return res, eris.Wrapf(err, "job: load cursor %s", p.channel)
	}
	cur.Channel = p.channel

	top := p.env.Config.PageSize
	maxPages := p.env.Config.MaxPages
	req := p.cursorRequest(cur, top)

	first := true
	fellBack := false
	failures := 0

	for n := 0; maxPages <= 0 || n < maxPages; n++ {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrapf(err, "job: %s interrupted", p.channel)
		}

		page, err := p.src.FetchPage(ctx, req)
		if err != nil {
			return res, eris.Wrapf(err, "job: fetch %s", p.channel)
		}
		res.Counters.Pages++
		res.Counters.Dropped += page.Dropped

		if page.Failed {
			res.Counters.PageFailures++
			res.LastError = "page fetch failed: " + page.URL
			failures++
			if failures >= maxPageFailures {
				p.log.Warn("giving up after repeated page failures", zap.Int("failures", failures))
				break
			}
			continue
		}
		failures = 0

		if len(page.Items) == 0 {
			if first && !fellBack && req.Strategy == feed.StrategyCursor && !cur.IsZero() {
				fellBack = true
				p.log.Info("empty first page, retrying with base filter",
					zap.Time("cursor_ts", cur.Timestamp),
					zap.String("cursor_key", cur.Key),
				)
				req = feed.PageRequest{Strategy: feed.StrategyBaseOnly, Top: top, Extra: p.floorClause()}
				continue
			}
			break
		}
		first = false

		candidate := p.mergePage(ctx, page.Items, res)
		if err := ctx.Err(); err != nil {
			// The page may be partially merged; leave the cursor where it was.
			return res, eris.Wrapf(err, "job: %s interrupted mid-page", p.channel)
		}

		next := cursor.Next(cur, candidate, p.env.now())
		advanced := cur.Less(next)
		if advanced {
			if _, err := p.env.Cursors.Advance(ctx, next); err != nil {
				return res, eris.Wrapf(err, "job: advance cursor %s", p.channel)
			}
			cur = next
			if res.Cursors == nil {
				res.Cursors = make(map[string]model.Cursor)
			}
			res.Cursors[p.channel] = cur
		}
		p.report(ctx, res)

		effectiveTop := page.Top
		if effectiveTop <= 0 {
			effectiveTop = top
		}
		short := effectiveTop > 0 && len(page.Items)+page.Dropped < effectiveTop

		switch {
		case page.Next != "":
			req = feed.PageRequest{Strategy: feed.StrategyNextLink, NextLink: page.Next, Top: top}
		case short:
			return res, nil
		case req.Strategy == feed.StrategyCursor && !advanced:
			p.log.Warn("cursor did not advance on a full page, stopping")
			return res, nil
		default:
			req = p.cursorRequest(cur, top)
		}
	}
	return res, nil
}

func (p *pager) cursorRequest(cur model.Cursor, top int) feed.PageRequest {
	return feed.PageRequest{Strategy: feed.StrategyCursor, Top: top, Cursor: cur, Floor: p.floor}
}

func (p *pager) floorClause() string {
	if p.floor.IsZero() {
		return ""
	}
	return odata.TimeGe(p.src.TimestampField(), p.floor)
}

// mergePage merges items in order and returns the highest cursor seen.
// Per-record failures are counted, never returned.
func (p *pager) mergePage(ctx context.Context, items []*model.RawRecord, res *Result) model.Cursor {
	var candidate model.Cursor
	for _, raw := range items {
		if ctx.Err() != nil {
			return candidate
		}
		res.Counters.Fetched++
		if c, ok := cursor.FromRecord(raw, p.src.TimestampField(), p.src.KeyField()); ok && candidate.Less(c) {
			candidate = c
		}
		p.mergeOne(ctx, raw, res)
	}
	return candidate
}

func (p *pager) mergeOne(ctx context.Context, raw *model.RawRecord, res *Result) {
	admit, reason := p.env.Classifier.Admit(raw.PublicRemarks.String(), p.mode)
	if !admit {
		if reason == model.SkipNone {
			res.Counters.Filtered++
			p.count("filtered")
			return
		}
		res.Counters.Skipped++
		p.count("skipped_" + string(reason))
		return
	}

	r, err := p.env.Merger.Merge(ctx, p.row, raw)
	if err != nil {
		res.Counters.Failed++
		res.LastError = err.Error()
		p.count("error")
		p.log.Warn("merge failed",
			zap.String("external_id", raw.ListingKey.String()),
			zap.String("mls_number", raw.ListingID.String()),
			zap.Error(err),
		)
		return
	}

	switch r.Outcome {
	case listing.OutcomeCreated:
		res.Counters.Created++
	case listing.OutcomeUpdated:
		res.Counters.Updated++
	case listing.OutcomeUnchanged:
		res.Counters.Unchanged++
	default:
		res.Counters.Skipped++
		p.count("skipped_" + string(r.Skip))
		p.log.Warn("record skipped",
			zap.String("external_id", raw.ListingKey.String()),
			zap.String("mls_number", raw.ListingID.String()),
			zap.String("reason", string(r.Skip)),
		)
		return
	}
	p.count(r.Outcome.String())

	if r.Written() && p.env.Media != nil && r.Listing != nil && r.Listing.ID != 0 {
		t := media.Target{ListingID: r.Listing.ID, ResourceKey: r.Listing.ExternalID, Provider: p.src.Slug()}
		if !p.env.Media.Submit(t) {
			p.log.Debug("media queue full", zap.Int64("listing_id", t.ListingID))
		}
	}
}

func (p *pager) count(outcome string) {
	monitoring.RecordsTotal.WithLabelValues(p.channel, outcome).Inc()
}

func (p *pager) report(ctx context.Context, res *Result) {
	c := p.prior
	c.Add(res.Counters)
	p.env.progress(ctx, c)
}
