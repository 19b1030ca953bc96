// Package comms runs the three long-lived request pipelines between the
// agent and the manager:
//
//   - command poll:   GET  /commands   → COMMAND lane of the message queue
//   - stateful push:  POST /stateful   ← STATEFUL lane, framed per batch
//   - stateless push: POST /stateless  ← STATELESS lane, framed per batch
//
// All three share one bearer token through the session manager and the same
// retry behavior through transport.LoopRequest. Messages are only popped from
// their lane after the manager acknowledged the batch with a 200.
package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vigilsec/vigil-agent/internal/config"
	"github.com/vigilsec/vigil-agent/internal/queue"
	"github.com/vigilsec/vigil-agent/internal/session"
	"github.com/vigilsec/vigil-agent/internal/transport"
)

// batchCandidateLimit caps how many queued messages one frame build
// considers. The byte budget usually cuts the batch first.
const batchCandidateLimit = 256

// MetadataFunc returns the global metadata JSON document heading every frame.
type MetadataFunc func() string

// Communicator wires the queue, session and transport into the pipelines.
type Communicator struct {
	client   *transport.Client
	queue    *queue.MultiQueue
	session  *session.Manager
	metadata MetadataFunc
	logger   *zap.Logger

	host            string
	port            string
	userAgent       string
	useTLS          bool
	maxBatchingSize int
	batchInterval   time.Duration
	connectionRetry time.Duration
}

// New builds a Communicator from the configuration snapshot.
func New(
	client *transport.Client,
	q *queue.MultiQueue,
	sess *session.Manager,
	cfg config.Config,
	userAgent string,
	metadata MetadataFunc,
	logger *zap.Logger,
) *Communicator {
	return &Communicator{
		client:          client,
		queue:           q,
		session:         sess,
		metadata:        metadata,
		logger:          logger.Named("comms"),
		host:            cfg.ManagerIP,
		port:            cfg.Port,
		userAgent:       userAgent,
		useTLS:          cfg.UseTLS,
		maxBatchingSize: cfg.MaxBatchingSize,
		batchInterval:   cfg.BatchInterval,
		connectionRetry: cfg.ConnectionRetry,
	}
}

func (c *Communicator) loopOptions() transport.LoopOptions {
	return transport.LoopOptions{
		TokenFunc:       c.session.Token().Get,
		OnUnauthorized:  c.session.TryReAuthenticate,
		ConnectionRetry: c.connectionRetry,
		BatchInterval:   c.batchInterval,
	}
}

// CommandPollLoop long-polls /commands and pushes every returned command onto
// the COMMAND lane. Blocks until ctx is cancelled.
func (c *Communicator) CommandPollLoop(ctx context.Context) error {
	opts := c.loopOptions()
	opts.OnSuccess = func(body string) {
		n, err := c.PushCommandsToQueue(body)
		if err != nil {
			c.logger.Error("discarding malformed commands response", zap.Error(err))
			return
		}
		if n > 0 {
			c.logger.Info("commands received from manager", zap.Int("count", n))
		}
	}

	c.client.LoopRequest(ctx, transport.RequestParams{
		Method:    http.MethodGet,
		Host:      c.host,
		Port:      c.port,
		Endpoint:  "/commands",
		UserAgent: c.userAgent,
		UseTLS:    c.useTLS,
	}, opts)
	c.logger.Info("command poll loop stopped")
	return nil
}

// StatefulLoop drains the STATEFUL lane into /stateful. Blocks until ctx is
// cancelled.
func (c *Communicator) StatefulLoop(ctx context.Context) error {
	return c.pushLoop(ctx, queue.Stateful, "/stateful")
}

// StatelessLoop drains the STATELESS lane into /stateless. Blocks until ctx
// is cancelled.
func (c *Communicator) StatelessLoop(ctx context.Context) error {
	return c.pushLoop(ctx, queue.Stateless, "/stateless")
}

func (c *Communicator) pushLoop(ctx context.Context, kind queue.MessageType, endpoint string) error {
	// Iterations within one pipeline are strictly serial, so the drained
	// count produced by one body build is the one popped by the matching
	// success callback.
	drained := 0

	opts := c.loopOptions()
	opts.BodyProducer = func(ctx context.Context) (string, error) {
		body, n, err := c.buildBatch(ctx, kind)
		drained = n
		return body, err
	}
	opts.OnSuccess = func(string) {
		popped := c.queue.PopN(kind, drained)
		c.logger.Debug("batch acknowledged",
			zap.String("lane", kind.String()),
			zap.Int("popped", popped),
		)
	}

	c.client.LoopRequest(ctx, transport.RequestParams{
		Method:    http.MethodPost,
		Host:      c.host,
		Port:      c.port,
		Endpoint:  endpoint,
		UserAgent: c.userAgent,
		UseTLS:    c.useTLS,
	}, opts)
	c.logger.Info("push loop stopped", zap.String("lane", kind.String()))
	return nil
}

// buildBatch blocks until the lane has at least one message, then produces
// the framed payload and the number of messages it drained. The frame grows
// while it stays within the byte budget; the first message is always
// included so an oversized message cannot wedge the lane.
func (c *Communicator) buildBatch(ctx context.Context, kind queue.MessageType) (string, int, error) {
	msgs, err := c.queue.GetNextN(ctx, kind, batchCandidateLimit)
	if err != nil {
		return "", 0, err
	}

	global := ""
	if c.metadata != nil {
		global = c.metadata()
	}
	moduleMeta := msgs[0].Metadata

	var data []string
	count := 0
	for i, m := range msgs {
		candidate := append(data, m.Data...)
		if i > 0 && len(frame(global, moduleMeta, candidate)) > c.maxBatchingSize {
			break
		}
		data = candidate
		count++
	}

	return frame(global, moduleMeta, data), count, nil
}

// frame renders the newline-delimited batch body:
//
//	<global-metadata-json>
//	<module-metadata-json>
//	["<data0>", "<data1>", ...]
func frame(global, moduleMeta string, data []string) string {
	arr, err := json.Marshal(data)
	if err != nil {
		// Marshal of []string cannot fail.
		arr = []byte("[]")
	}
	return global + "\n" + moduleMeta + "\n" + string(arr)
}

// PushCommandsToQueue parses a /commands response body and enqueues each
// element of its commands array as a COMMAND message. An empty array enqueues
// nothing. Returns the number of commands enqueued.
func (c *Communicator) PushCommandsToQueue(body string) (int, error) {
	var parsed struct {
		Commands []json.RawMessage `json:"commands"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return 0, fmt.Errorf("comms: parsing commands response: %w", err)
	}
	if len(parsed.Commands) == 0 {
		return 0, nil
	}

	msgs := make([]queue.Message, 0, len(parsed.Commands))
	for _, raw := range parsed.Commands {
		msgs = append(msgs, queue.Message{
			Type: queue.Command,
			Data: []string{string(raw)},
		})
	}
	return c.queue.PushAll(msgs), nil
}

// GetGroupConfigurationFromManager downloads the shared configuration file of
// one group to dstPath. Returns false when the manager did not serve the file.
func (c *Communicator) GetGroupConfigurationFromManager(ctx context.Context, groupID, dstPath string) bool {
	resp := c.client.Download(ctx, transport.RequestParams{
		Method:    http.MethodGet,
		Host:      c.host,
		Port:      c.port,
		Endpoint:  "/api/v1/files?file_name=" + groupID + ".conf",
		UserAgent: c.userAgent,
		Token:     c.session.Token().Get(),
		UseTLS:    c.useTLS,
	}, dstPath)

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("group configuration download failed",
			zap.String("group", groupID),
			zap.Int("status", resp.StatusCode),
		)
		return false
	}
	return true
}
