// Package feed republishes accepted data to local subscribers.
package feed

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"Archiver/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// TopicData carries every accepted DATA push.
	TopicData = "DATA"

	// TopicSummaryBlob carries merged summary blobs of a cycle.
	TopicSummaryBlob = "SUMMARY_BLOB"

	outputBuffer = 64
)

// Topics lists the topics a subscriber may ask for.
var Topics = []string{TopicData, TopicSummaryBlob}

// Feed is an in-process pub/sub of JSON messages.
type Feed struct {
	pubsub *gochannel.GoChannel
}

// New creates a feed. Messages published while nobody listens are dropped.
func New() *Feed {
	return &Feed{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: outputBuffer},
			newLogAdapter(logger.With("component", "feed")),
		),
	}
}

// Publish encodes v as JSON and publishes it on topic.
func (f *Feed) Publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message:\n%w", topic, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := f.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s:\n%w", topic, err)
	}

	return nil
}

// Subscribe returns the messages of topic until ctx ends. Each message must
// be acked before the next one is delivered.
func (f *Feed) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if !validTopic(topic) {
		return nil, fmt.Errorf("unknown topic %q", topic)
	}

	return f.pubsub.Subscribe(ctx, topic)
}

// Close stops the feed and closes every subscription.
func (f *Feed) Close() error {
	return f.pubsub.Close()
}

func validTopic(topic string) bool {
	for _, t := range Topics {
		if t == topic {
			return true
		}
	}

	return false
}

// logAdapter routes watermill logs to zap.
type logAdapter struct {
	log *zap.SugaredLogger
}

func newLogAdapter(log *zap.SugaredLogger) watermill.LoggerAdapter {
	return logAdapter{log: log}
}

func (a logAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Errorw(msg, append(keyValues(fields), "error", err)...)
}

func (a logAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Infow(msg, keyValues(fields)...)
}

func (a logAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debugw(msg, keyValues(fields)...)
}

func (a logAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Debugw(msg, keyValues(fields)...)
}

func (a logAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return logAdapter{log: a.log.With(keyValues(fields)...)}
}

func keyValues(fields watermill.LogFields) []any {
	out := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		out = append(out, k, v)
	}

	return out
}
