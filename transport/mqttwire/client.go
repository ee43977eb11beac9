// Package mqttwire is the concrete synccore.WireClient backed by MQTT:
// one-shot query/mutate calls are framed as a correlated request/response
// pair over two topics, and subscribe is a long-lived topic subscription
// that also tracks broker connectivity for the reconcile queue's
// connection-state map.
package mqttwire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/autopeer-io/datasync/internal/synccore"
	"github.com/autopeer-io/datasync/pkg/log"
	"github.com/autopeer-io/datasync/pkg/mqtt"
	"github.com/autopeer-io/datasync/pkg/mqtt/topic"
	"github.com/autopeer-io/datasync/transport/blobstore"
)

// callTimeout bounds how long a one-shot query/mutate call waits for a
// correlated response before surfacing a retryable transport error.
const callTimeout = 30 * time.Second

// Client implements synccore.WireClient over an MQTT broker.
type Client struct {
	mqtt    mqtt.Client
	builder *topic.Builder
	logger  log.Logger

	blobs          blobstore.Store
	inlineMaxBytes int
}

// New wraps an already-configured mqtt.Client (not yet Started) as a
// synccore.WireClient. Call Start before issuing any query/mutate/subscribe
// call.
func New(client mqtt.Client, topicRoot string) *Client {
	return &Client{
		mqtt:    client,
		builder: topic.NewBuilder(topicRoot),
		logger:  log.Std().WithName("mqttwire"),
	}
}

// SetBlobStore wires a blob offload store: any SerializedPayload larger
// than inlineMaxBytes is uploaded to store and replaced on the wire with a
// BlobKey reference instead of being carried inline over MQTT. Call before
// Start. A nil store (the default) carries every payload inline.
func (c *Client) SetBlobStore(store blobstore.Store, inlineMaxBytes int) {
	c.blobs = store
	c.inlineMaxBytes = inlineMaxBytes
}

// offload uploads e's payload to the blob store and clears it from the
// envelope when it exceeds the inline threshold. It degrades to carrying
// the payload inline if no blob store is configured.
func (c *Client) offload(ctx context.Context, e envelope) envelope {
	if c.blobs == nil || len(e.SerializedPayload) <= c.inlineMaxBytes {
		return e
	}
	key := fmt.Sprintf("%s/%s/%s", e.ModelType, e.RecordID, xid.New().String())
	if err := c.blobs.Put(ctx, key, e.SerializedPayload); err != nil {
		c.logger.Error(err, "failed to offload payload to blob store, carrying inline", "key", key)
		return e
	}
	e.BlobKey = key
	e.SerializedPayload = nil
	return e
}

// resolve downloads e's payload from the blob store when BlobKey is set,
// restoring SerializedPayload before the envelope is handed to synccore.
func (c *Client) resolve(ctx context.Context, e envelope) envelope {
	if e.BlobKey == "" {
		return e
	}
	if c.blobs == nil {
		c.logger.Warn("received a blob-offloaded envelope with no blob store configured", "key", e.BlobKey)
		return e
	}
	data, err := c.blobs.Get(ctx, e.BlobKey)
	if err != nil {
		c.logger.Error(err, "failed to resolve offloaded payload", "key", e.BlobKey)
		return e
	}
	e.SerializedPayload = data
	return e
}

// resolveMutationSync resolves the blob offload, if any, for the items
// nested inside a response envelope before converting it to the core's
// domain type.
func (c *Client) resolveMutationSync(ctx context.Context, e envelope) synccore.MutationSync {
	return envelopeToMutationSync(c.resolve(ctx, e))
}

// Start connects to the broker and waits for the first connection.
func (c *Client) Start(ctx context.Context) error {
	if err := c.mqtt.Start(ctx); err != nil {
		return fmt.Errorf("mqttwire: start: %w", err)
	}
	return c.mqtt.AwaitConnection(ctx)
}

func (c *Client) queryTopic(modelType string) string    { return c.builder.Build("sync", modelType, "request") }
func (c *Client) queryReplyTopic(modelType, corr string) string {
	return c.builder.Build("sync", modelType, "response", corr)
}
func (c *Client) mutateTopic(modelType string) string { return c.builder.Build("mutate", modelType, "request") }
func (c *Client) mutateReplyTopic(modelType, corr string) string {
	return c.builder.Build("mutate", modelType, "response", corr)
}
func (c *Client) eventsTopic(modelType string) string { return c.builder.Build("events", modelType) }

// Query issues a paged `sync` request and waits for the correlated
// response on the model type's reply topic.
func (c *Client) Query(ctx context.Context, req synccore.QueryRequest) (synccore.QueryResult, error) {
	corr := xid.New().String()
	replyTopic := c.queryReplyTopic(req.ModelType, corr)

	respCh := make(chan envelope, 1)
	if err := c.mqtt.Subscribe(ctx, replyTopic, 1, func(_ context.Context, _ string, payload []byte) {
		if e, err := unmarshalEnvelope(payload); err == nil {
			select {
			case respCh <- e:
			default:
			}
		}
	}); err != nil {
		return synccore.QueryResult{}, synccore.Classify(synccore.KindTransportRetryable, err)
	}
	defer func() { _ = c.mqtt.Unsubscribe(context.Background(), replyTopic) }()

	payload, err := marshalEnvelope(envelope{
		CorrelationID: corr,
		ModelType:     req.ModelType,
		NextToken:     req.NextToken,
		Limit:         req.Limit,
	})
	if err != nil {
		return synccore.QueryResult{}, synccore.Classify(synccore.KindInvariantViolation, err)
	}
	if err := c.mqtt.Publish(ctx, c.queryTopic(req.ModelType), 1, false, payload); err != nil {
		return synccore.QueryResult{}, synccore.Classify(synccore.KindTransportRetryable, err)
	}

	select {
	case resp := <-respCh:
		if resp.ErrorType != "" {
			return synccore.QueryResult{}, synccore.Classify(synccore.KindTransportFatal, fmt.Errorf("mqttwire: query error: %s", resp.ErrorMessage))
		}
		items := make([]synccore.MutationSync, 0, len(resp.Items))
		for _, item := range resp.Items {
			items = append(items, c.resolveMutationSync(ctx, item))
		}
		return synccore.QueryResult{Items: items, NextToken: resp.NextToken}, nil
	case <-time.After(callTimeout):
		return synccore.QueryResult{}, synccore.Classify(synccore.KindTransportRetryable, fmt.Errorf("mqttwire: query timed out after %s", callTimeout))
	case <-ctx.Done():
		return synccore.QueryResult{}, synccore.Classify(synccore.KindCancelled, synccore.ErrCancelled)
	}
}

// Mutate issues a one-shot mutation and waits for the correlated response
// on the model type's mutate reply topic.
func (c *Client) Mutate(ctx context.Context, req synccore.MutationRequest) (synccore.MutationResult, *synccore.GraphQLResponseError, error) {
	corr := xid.New().String()
	modelType := req.MutationEvent.ModelName
	replyTopic := c.mutateReplyTopic(modelType, corr)

	respCh := make(chan envelope, 1)
	if err := c.mqtt.Subscribe(ctx, replyTopic, 1, func(_ context.Context, _ string, payload []byte) {
		if e, err := unmarshalEnvelope(payload); err == nil {
			select {
			case respCh <- e:
			default:
			}
		}
	}); err != nil {
		return synccore.MutationResult{}, nil, synccore.Classify(synccore.KindTransportRetryable, err)
	}
	defer func() { _ = c.mqtt.Unsubscribe(context.Background(), replyTopic) }()

	e := c.offload(ctx, envelope{
		CorrelationID:     corr,
		ModelType:         modelType,
		RecordID:          req.MutationEvent.ModelID,
		SerializedPayload: req.MutationEvent.PayloadJSON,
		MutationType:      string(req.MutationEvent.MutationType),
		ExpectedVersion:   req.ExpectedVersion,
	})
	payload, err := marshalEnvelope(e)
	if err != nil {
		return synccore.MutationResult{}, nil, synccore.Classify(synccore.KindInvariantViolation, err)
	}
	if err := c.mqtt.Publish(ctx, c.mutateTopic(modelType), 1, false, payload); err != nil {
		return synccore.MutationResult{}, nil, synccore.Classify(synccore.KindTransportRetryable, err)
	}

	select {
	case resp := <-respCh:
		if resp.ErrorType != "" {
			gqlErr := &synccore.GraphQLResponseError{Errors: []synccore.GraphQLError{{
				Type: synccore.GraphQLErrorType(resp.ErrorType),
			}}}
			if resp.HasRemote && len(resp.Items) == 1 {
				remote := c.resolveMutationSync(ctx, resp.Items[0])
				gqlErr.Errors[0].Remote = &remote
			}
			return synccore.MutationResult{}, gqlErr, nil
		}
		var result synccore.MutationResult
		if len(resp.Items) == 1 {
			result.Remote = c.resolveMutationSync(ctx, resp.Items[0])
		}
		return result, nil, nil
	case <-time.After(callTimeout):
		return synccore.MutationResult{}, nil, synccore.Classify(synccore.KindTransportRetryable, fmt.Errorf("mqttwire: mutate timed out after %s", callTimeout))
	case <-ctx.Done():
		return synccore.MutationResult{}, nil, synccore.Classify(synccore.KindCancelled, synccore.ErrCancelled)
	}
}

// Subscribe opens a long-lived stream of events for modelType, returning a
// SubscriptionOperation the caller drains via Events() until it closes.
func (c *Client) Subscribe(ctx context.Context, modelType string) (synccore.SubscriptionOperation, error) {
	subCtx, cancel := context.WithCancel(ctx)
	op := &subscription{
		eventsCh: make(chan synccore.SubscriptionEvent, 64),
		cancel:   cancel,
		logger:   c.logger.WithValues("model", modelType),
	}

	tp := c.eventsTopic(modelType)
	if err := c.mqtt.Subscribe(subCtx, tp, 1, func(handlerCtx context.Context, _ string, payload []byte) {
		e, err := unmarshalEnvelope(payload)
		if err != nil {
			op.logger.Error(err, "failed to decode event payload")
			return
		}
		op.emitData(c.resolveMutationSync(handlerCtx, e))
	}); err != nil {
		cancel()
		return nil, synccore.Classify(synccore.KindTransportFatal, err)
	}

	go op.watchConnection(subCtx, c.mqtt)

	return op, nil
}

type subscription struct {
	eventsCh chan synccore.SubscriptionEvent
	cancel   context.CancelFunc
	logger   log.Logger

	mu       sync.Mutex
	closed   bool
	finalErr error
}

func (s *subscription) Events() <-chan synccore.SubscriptionEvent { return s.eventsCh }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}

func (s *subscription) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	close(s.eventsCh)
}

func (s *subscription) emitData(ms synccore.MutationSync) {
	s.emit(synccore.SubscriptionEvent{Kind: synccore.SubscriptionDataEvent, Data: ms})
}

func (s *subscription) emitConnection(state synccore.ConnectionState) {
	s.emit(synccore.SubscriptionEvent{Kind: synccore.SubscriptionConnectionEvent, Connection: state})
}

// emit holds the lock across the closed-check and the channel send so
// Cancel (which also holds the lock while closing eventsCh) cannot race
// with a concurrent send — sending on a closed channel panics.
func (s *subscription) emit(ev synccore.SubscriptionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.eventsCh <- ev:
	default:
		s.logger.Warn("subscription buffer full, dropping event")
	}
}

// watchConnection emits Connected once the underlying client first
// reports a connection, and Failed if AwaitConnection returns an error
// while ctx is still live; after ctx is cancelled it emits nothing (the
// mqtt.Client interface does not surface a richer connection-state
// callback than AwaitConnection).
func (s *subscription) watchConnection(ctx context.Context, client mqtt.Client) {
	if err := client.AwaitConnection(ctx); err != nil {
		if ctx.Err() == nil {
			s.mu.Lock()
			s.finalErr = err
			s.mu.Unlock()
			s.emitConnection(synccore.Failed)
		}
		return
	}
	s.emitConnection(synccore.Connected)
}
