package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyrelay/pkg/config"
	"github.com/nicktill/tinyrelay/pkg/observability"
	"github.com/nicktill/tinyrelay/pkg/storage"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

// ErrTopicNotAllowed is returned for messages outside the topic allow-list
var ErrTopicNotAllowed = errors.New("topic not in allow-list")

// Handler runs the write path for one inbound message:
// decode, normalize, append, then fan out to live-stream clients.
type Handler struct {
	store      storage.Store
	registry   *telemetry.Registry
	normalizer *Normalizer
	topics     TopicFilter
	hub        *RecordHub
	unknownIDs *UnknownIDTracker
	badTopics  *UnknownIDTracker
	metrics    *observability.Metrics
	logger     logrus.FieldLogger
}

// HandlerOptions holds the optional collaborators of a Handler
type HandlerOptions struct {
	// AllowedTopics limits which topics are stored. Empty allows all.
	AllowedTopics []string

	// Hub receives every stored record. Nil disables live streaming.
	Hub *RecordHub
}

// NewHandler creates a new ingest handler
func NewHandler(store storage.Store, reg *telemetry.Registry, metrics *observability.Metrics, logger logrus.FieldLogger, opts HandlerOptions) *Handler {
	return &Handler{
		store:      store,
		registry:   reg,
		normalizer: NewNormalizer(reg),
		topics:     TopicFilter(opts.AllowedTopics),
		hub:        opts.Hub,
		unknownIDs: NewUnknownIDTracker(),
		badTopics:  NewUnknownIDTracker(),
		metrics:    metrics,
		logger:     logger.WithField("component", "ingest"),
	}
}

// HandleMessage stores one message and returns the assigned record id.
//
// Errors are classified for the caller: ErrTopicNotAllowed,
// *MalformedEventError or *storage.IOError. None of them should stop the
// subscription; the message is simply dropped.
func (h *Handler) HandleMessage(ctx context.Context, topic string, payload []byte) (uint64, error) {
	if !h.topics.Allows(topic) {
		h.metrics.IngestEvents.WithLabelValues(observability.IngestIgnoredTopic).Inc()
		return 0, fmt.Errorf("%w: %s", ErrTopicNotAllowed, topic)
	}

	ev, err := Decode(payload)
	if err != nil {
		h.metrics.IngestEvents.WithLabelValues(observability.IngestMalformed).Inc()
		return 0, err
	}

	res, err := h.normalizer.Normalize(ev)
	if err != nil {
		h.metrics.IngestEvents.WithLabelValues(observability.IngestMalformed).Inc()
		return 0, err
	}
	if res.Unknown > 0 {
		h.metrics.UnknownReadings.Add(float64(res.Unknown))
		for _, id := range h.unknownIDs.Observe(res.UnknownIDs) {
			h.logger.WithFields(logrus.Fields{"topic": topic, "reading_id": id}).Info("ignoring reading id not in metric list")
		}
	}

	appendCtx, cancel := context.WithTimeout(ctx, config.IngestAppendTimeout)
	defer cancel()

	id, err := h.store.Append(appendCtx, res.Record)
	if err != nil {
		h.metrics.IngestEvents.WithLabelValues(observability.IngestStoreError).Inc()
		return 0, err
	}
	h.metrics.IngestEvents.WithLabelValues(observability.IngestStored).Inc()

	res.Record.ID = id
	if h.hub != nil && h.hub.HasClients() {
		h.hub.Broadcast(res.Record.View(h.registry))
	}
	return id, nil
}

// UnknownIDs reports reading ids seen on the wire but not in the registry
func (h *Handler) UnknownIDs() UnknownIDStats {
	return h.unknownIDs.Stats()
}

// Deliver is the transport callback. It logs instead of returning so a bad
// message never interrupts delivery of the next one.
func (h *Handler) Deliver(ctx context.Context, topic string, payload []byte) {
	id, err := h.HandleMessage(ctx, topic, payload)
	if err == nil {
		h.logger.WithFields(logrus.Fields{"topic": topic, "id": id}).Debug("record stored")
		return
	}

	entry := h.logger.WithField("topic", topic).WithError(err)

	var malformedErr *MalformedEventError
	var ioErr *storage.IOError
	switch {
	case errors.Is(err, ErrTopicNotAllowed):
		// first message per topic at warn, the rest at debug
		if len(h.badTopics.Observe([]string{topic})) > 0 {
			entry.Warn("ignoring messages on topic outside allow-list")
		} else {
			entry.Debug("ignoring message on unexpected topic")
		}
	case errors.As(err, &malformedErr):
		entry.WithField("bytes", len(payload)).Warn("dropping malformed event")
	case errors.As(err, &ioErr):
		entry.Error("failed to store record, message dropped")
	default:
		entry.Error("failed to handle message")
	}
}
