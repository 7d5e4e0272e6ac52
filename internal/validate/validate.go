package validate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cityflow/internal/codec"
	"cityflow/internal/config"
	"cityflow/internal/model"
)

type Validator struct {
	rules     map[model.EventType][]fieldRule
	dedupe    *Dedupe
	maxPast   time.Duration
	maxFuture time.Duration
	rate      *rateTracker
	logger    *slog.Logger
}

func New(cfg config.PipelineConfig, logger *slog.Logger) *Validator {
	return &Validator{
		rules:     defaultRules(),
		dedupe:    NewDedupe(cfg.DedupeCapacity),
		maxPast:   cfg.MaxPastSkew,
		maxFuture: cfg.MaxFutureSkew,
		rate:      newRateTracker(cfg.RejectionRateSpan, cfg.RejectionRateLimit),
		logger:    logger,
	}
}

// Validate decodes and checks one raw record. A rejection is data, not an
// error: it carries a reason code, is counted by the caller, and is never
// retried.
func (v *Validator) Validate(raw []byte, now time.Time) (model.Event, *model.Rejection) {
	ev, err := codec.Decode(raw, now)
	if err != nil {
		return model.Event{}, v.reject(classifyDecode(err), err.Error(), now)
	}
	if ev.EventID == "" {
		return model.Event{}, v.reject(model.ReasonMissingField, "event_id", now)
	}
	if ev.City == "" {
		return model.Event{}, v.reject(model.ReasonMissingField, "city", now)
	}
	rules, ok := v.rules[ev.EventType]
	if !ok {
		return model.Event{}, v.reject(model.ReasonUnknownType, string(ev.EventType), now)
	}
	if ev.EventTime.After(now.Add(v.maxFuture)) {
		return model.Event{}, v.reject(model.ReasonFutureEvent,
			fmt.Sprintf("event_time %s beyond skew guard", ev.EventTime.Format(time.RFC3339)), now)
	}
	if ev.EventTime.Before(now.Add(-v.maxPast)) {
		return model.Event{}, v.reject(model.ReasonStaleEvent,
			fmt.Sprintf("event_time %s older than max past skew", ev.EventTime.Format(time.RFC3339)), now)
	}
	for _, rule := range rules {
		val, present := ev.Metrics[rule.Name]
		if !present {
			if rule.Required {
				return model.Event{}, v.reject(model.ReasonMissingField, rule.Name, now)
			}
			continue
		}
		if val < rule.Min || val > rule.Max {
			return model.Event{}, v.reject(model.ReasonOutOfRange,
				fmt.Sprintf("%s=%g outside [%g, %g]", rule.Name, val, rule.Min, rule.Max), now)
		}
	}
	if v.dedupe.Seen(ev.EventID) {
		return model.Event{}, v.reject(model.ReasonDuplicate, ev.EventID, now)
	}
	v.rate.observe(now, false)
	return ev, nil
}

func (v *Validator) reject(reason model.RejectReason, detail string, now time.Time) *model.Rejection {
	if v.rate.observe(now, true) && v.logger != nil {
		v.logger.Warn("rejection rate above threshold",
			"rate", v.rate.Rate(now), "threshold", v.rate.limit)
	}
	return &model.Rejection{Reason: reason, Detail: detail}
}

// RejectionRate reports the accepted/rejected ratio over the sliding span.
func (v *Validator) RejectionRate(now time.Time) float64 {
	return v.rate.Rate(now)
}

func classifyDecode(err error) model.RejectReason {
	if errors.Is(err, codec.ErrBadTimestamp) {
		return model.ReasonBadTimestamp
	}
	return model.ReasonUnparseable
}
