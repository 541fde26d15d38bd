package messaging

import (
	"context"
	"encoding/json"

	"github.com/hashicorp/go-multierror"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gomp-ethash/internal/validation"
	"github.com/bardlex/gomp-ethash/pkg/errors"
)

// Publisher is the publish side of KafkaClient.
type Publisher interface {
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// ShareProducer publishes accepted shares. Block candidates additionally go
// straight to the block candidates topic so submission does not wait on
// share persistence.
type ShareProducer struct {
	pub Publisher
}

// NewShareProducer creates a ShareProducer on pub.
func NewShareProducer(pub Publisher) *ShareProducer {
	return &ShareProducer{pub: pub}
}

// PublishShare publishes share, candidate first.
func (p *ShareProducer) PublishShare(ctx context.Context, share validation.Share) error {
	var result *multierror.Error

	if share.IsBlockCandidate {
		if err := p.pub.PublishJSON(ctx, TopicBlockCandidates, share.ID, NewBlockCandidate(share)); err != nil {
			result = multierror.Append(result, err)
		}
	}

	msg, err := ShareToProto(share)
	if err != nil {
		return multierror.Append(result, err).ErrorOrNil()
	}
	if err := p.pub.PublishProto(ctx, TopicShares, share.Miner, msg); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// DecodeShare decodes a shares topic message.
func DecodeShare(value []byte) (validation.Share, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(value, &s); err != nil {
		return validation.Share{}, errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_unmarshal",
			"failed to unmarshal share").
			WithContext("message_size", len(value))
	}
	return ShareFromProto(&s)
}

// DecodeJSON decodes a JSON topic message into v.
func DecodeJSON(value []byte, v any) error {
	if err := json.Unmarshal(value, v); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_unmarshal",
			"failed to unmarshal JSON message").
			WithContext("message_size", len(value))
	}
	return nil
}

// ShareHandler adapts fn to a shares topic Handler.
func ShareHandler(fn func(ctx context.Context, share validation.Share) error) Handler {
	return func(ctx context.Context, _ string, value []byte) error {
		share, err := DecodeShare(value)
		if err != nil {
			return err
		}
		return fn(ctx, share)
	}
}

// JSONHandler adapts fn to a Handler for a JSON topic carrying T.
func JSONHandler[T any](fn func(ctx context.Context, msg T) error) Handler {
	return func(ctx context.Context, _ string, value []byte) error {
		var msg T
		if err := DecodeJSON(value, &msg); err != nil {
			return err
		}
		return fn(ctx, msg)
	}
}
