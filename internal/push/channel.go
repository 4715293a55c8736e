// Package push owns the persistent NATS connection to the sync server's
// message broker. It triggers syncs on inbound host/tag messages and answers
// authenticated remote commands on the per-device command topic.
package push

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"github.com/sirupsen/logrus"

	"github.com/northpolesec/santa-sub002/internal/command"
)

const (
	// Production push servers must live under this domain and use a
	// TLS-secured scheme. Bypassable only for non-production deployments.
	productionServerSuffix = ".northpole.security"
	secureScheme           = "tls://"

	// Jitter windows for push-triggered syncs, in seconds.
	tagSyncJitterSec       = 180
	reconnectSyncJitterSec = 600

	inboundQueueDepth = 64
)

// SyncDelegate is what the push channel asks for syncs. Implemented by the
// orchestrator.
type SyncDelegate interface {
	Sync()
	SyncSecondsFromNow(seconds uint64)
	RuleSync()
	RuleSyncSecondsFromNow(seconds uint64)
}

// Config is the push channel configuration, normally delivered by a
// preflight response.
type Config struct {
	Server                 string
	NKeySeed               string
	JWT                    string
	HMACKey                []byte
	DeviceID               string
	Tags                   []string
	FullSyncInterval       uint64
	GlobalRuleSyncDeadline uint64
}

// subscription and conn narrow the NATS client surface the channel uses, so
// tests can stand in for the broker.
type subscription interface {
	Unsubscribe() error
}

type conn interface {
	IsConnected() bool
	Subscribe(subject string, handler nats.MsgHandler) (subscription, error)
	Publish(subject string, data []byte) error
	Close()
}

type natsConn struct{ *nats.Conn }

func (n natsConn) Subscribe(subject string, handler nats.MsgHandler) (subscription, error) {
	return n.Conn.Subscribe(subject, handler)
}

type dialFunc func(server string, opts ...nats.Option) (conn, error)

func natsDial(server string, opts ...nats.Option) (conn, error) {
	nc, err := nats.Connect(server, opts...)
	if err != nil {
		return nil, err
	}
	return natsConn{nc}, nil
}

type inboundMsg struct {
	subject string
	reply   string
	data    []byte
	respond func([]byte) error
}

// Client is the push channel. Connection management (configure, connect,
// subscribe, teardown) serializes on mu; inbound messages are handled one at
// a time on a dedicated worker goroutine so a slow command handler cannot
// block connection-health callbacks.
type Client struct {
	delegate   SyncDelegate
	auth       *command.Authenticator
	dispatcher *command.Dispatcher

	// allowAnyServer disables the production domain/scheme check.
	allowAnyServer bool
	dial           dialFunc

	mu       sync.Mutex
	server   string
	seed     string
	jwt      string
	deviceID string
	tags     []string
	hmacKey  []byte

	fullSyncInterval uint64
	ruleSyncDeadline uint64

	conn      conn
	connected bool
	subs      map[string]subscription

	retryAttempts int
	retrying      bool
	retryTimer    *time.Timer
	rng           *rand.Rand

	msgs chan inboundMsg
	stop chan struct{}
}

// NewClient creates a push channel and starts its message worker. The
// channel stays disconnected until Configure and Connect are called.
func NewClient(delegate SyncDelegate, dispatcher *command.Dispatcher, allowAnyServer bool) *Client {
	c := &Client{
		delegate:       delegate,
		auth:           command.NewAuthenticator(),
		dispatcher:     dispatcher,
		allowAnyServer: allowAnyServer,
		dial:           natsDial,
		subs:           make(map[string]subscription),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		msgs:           make(chan inboundMsg, inboundQueueDepth),
		stop:           make(chan struct{}),
	}
	go c.worker()
	return c
}

// Stop tears the connection down and stops the message worker.
func (c *Client) Stop() {
	c.mu.Lock()
	c.clearRetryLocked()
	c.teardownLocked()
	c.mu.Unlock()
	close(c.stop)
}

func validateServer(server string) error {
	if !strings.HasPrefix(server, secureScheme) {
		return fmt.Errorf("push server %q does not use a secure transport scheme", server)
	}
	host := strings.TrimPrefix(server, secureScheme)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if !strings.HasSuffix(host, productionServerSuffix) {
		return fmt.Errorf("push server %q is not under %s", server, productionServerSuffix)
	}
	return nil
}

// Configure stores new settings and applies the minimal reconnection work
// they require: changed credentials force a full teardown and reconnect, a
// changed device ID or tag list forces only resubscription, anything else
// takes effect silently.
func (c *Client) Configure(cfg Config) error {
	if !c.allowAnyServer {
		if err := validateServer(cfg.Server); err != nil {
			return err
		}
	}

	c.mu.Lock()

	deviceChanged := cfg.DeviceID != c.deviceID
	tagsChanged := !slices.Equal(cfg.Tags, c.tags)
	credsChanged := cfg.JWT != c.jwt || cfg.NKeySeed != c.seed

	c.server = cfg.Server
	c.seed = cfg.NKeySeed
	c.jwt = cfg.JWT
	c.deviceID = cfg.DeviceID
	c.tags = cfg.Tags
	// Own copy of the key: the caller scrubs its credential material once
	// the handoff returns.
	c.hmacKey = bytes.Clone(cfg.HMACKey)
	if cfg.FullSyncInterval > 0 {
		c.fullSyncInterval = cfg.FullSyncInterval
	}
	if cfg.GlobalRuleSyncDeadline > 0 {
		c.ruleSyncDeadline = cfg.GlobalRuleSyncDeadline
	}

	alive := c.reconcileLocked()
	switch {
	case credsChanged && alive:
		logrus.Infoln("Push credentials changed, reconnecting")
		c.teardownLocked()
		c.connectLocked()
	case (deviceChanged || tagsChanged) && alive:
		logrus.Infoln("Push identity changed, resubscribing")
		c.unsubscribeAllLocked()
		c.subscribeAllLocked()
	}

	c.mu.Unlock()
	return nil
}

// Connect establishes the broker connection if one is not already alive.
// Failures are not returned: a retry is scheduled instead.
func (c *Client) Connect() {
	c.mu.Lock()
	c.connectLocked()
	c.mu.Unlock()
}

func (c *Client) connectLocked() {
	if c.reconcileLocked() {
		return
	}
	if c.conn != nil {
		// Stale handle from a dead connection.
		c.teardownLocked()
	}
	if c.server == "" || c.jwt == "" || c.seed == "" || c.deviceID == "" {
		logrus.Debugln("Push channel not fully configured, skipping connect")
		return
	}

	opts := []nats.Option{
		nats.UserJWTAndSeed(c.jwt, c.seed),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			logrus.WithError(err).Warnln("Push channel disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.mu.Lock()
			c.connected = true
			delay := uint64(c.rng.Intn(reconnectSyncJitterSec + 1))
			c.mu.Unlock()
			// Messages may have been missed while disconnected.
			logrus.WithField("delay_seconds", delay).Infoln("Push channel reconnected, scheduling sync")
			c.delegate.SyncSecondsFromNow(delay)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logrus.WithField("subject", subject).WithError(err).Warnln("Push channel error")
		}),
	}

	nc, err := c.dial(c.server, opts...)
	if err != nil {
		logrus.WithField("server", c.server).WithError(err).Warnln("Push channel connect failed")
		c.scheduleRetryLocked()
		return
	}

	c.conn = nc
	c.connected = true
	c.clearRetryLocked()
	logrus.WithField("server", c.server).Infoln("Push channel connected")
	c.subscribeAllLocked()
}

// reconcileLocked aligns the local connected flag with the transport's own
// view and reports whether the connection is alive.
func (c *Client) reconcileLocked() bool {
	c.connected = c.conn != nil && c.conn.IsConnected()
	return c.connected
}

// IsConnected reports whether the broker connection is alive.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconcileLocked()
}

// IsRetrying reports whether a reconnect timer is armed.
func (c *Client) IsRetrying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retrying
}

// FullSyncInterval returns the sync interval advertised with the push
// configuration, or zero when none was.
func (c *Client) FullSyncInterval() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullSyncInterval
}

// Token returns the public nkey derived from the configured seed, reported
// to the sync server during preflight. Empty when unconfigured.
func (c *Client) Token() string {
	c.mu.Lock()
	seed := c.seed
	c.mu.Unlock()

	if seed == "" {
		return ""
	}
	kp, err := nkeys.FromSeed([]byte(seed))
	if err != nil {
		logrus.WithError(err).Debugln("Failed to parse nkey seed")
		return ""
	}
	pub, err := kp.PublicKey()
	if err != nil {
		logrus.WithError(err).Debugln("Failed to derive nkey public key")
		return ""
	}
	return pub
}

func (c *Client) scheduleRetryLocked() {
	if c.retryTimer != nil {
		// Never leave two timers armed.
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retryAttempts++
	c.retrying = true
	delay := retryDelay(c.retryAttempts, c.rng)
	logrus.WithFields(logrus.Fields{
		"attempt": c.retryAttempts,
		"delay":   delay.Round(time.Millisecond),
	}).Infoln("Scheduling push channel reconnect")
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		c.connectLocked()
		c.mu.Unlock()
	})
}

func (c *Client) clearRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retryAttempts = 0
	c.retrying = false
}

func (c *Client) subscribeAllLocked() {
	if c.conn == nil {
		return
	}

	topics := make([]string, 0, len(c.tags)+1)
	topics = append(topics, hostTopic(c.deviceID))
	topics = append(topics, c.tags...)

	for _, topic := range topics {
		if _, ok := c.subs[topic]; ok {
			continue
		}
		if !ValidTopic(topic) {
			logrus.WithField("topic", topic).Warnln("Skipping invalid push topic")
			continue
		}
		sub, err := c.conn.Subscribe(topic, c.enqueue)
		if err != nil {
			logrus.WithField("topic", topic).WithError(err).Warnln("Failed to subscribe to push topic")
			continue
		}
		c.subs[topic] = sub
	}

	// The command topic carries an extra subject segment so it does not go
	// through ValidTopic. Losing it is logged but non-fatal: the host and
	// tag subscriptions stay active.
	ct := commandTopic(c.deviceID)
	if _, ok := c.subs[ct]; !ok {
		sub, err := c.conn.Subscribe(ct, c.enqueue)
		if err != nil {
			logrus.WithField("topic", ct).WithError(err).Warnln("Failed to subscribe to command topic")
		} else {
			c.subs[ct] = sub
		}
	}
}

func (c *Client) unsubscribeAllLocked() {
	for topic, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			logrus.WithField("topic", topic).WithError(err).Warnln("Failed to unsubscribe push topic")
		}
	}
	c.subs = make(map[string]subscription)
}

// teardownLocked is a scoped disconnect: unsubscribe everything, close, and
// drop the handle, with every step tolerant of partial failure so teardown
// always completes.
func (c *Client) teardownLocked() {
	c.unsubscribeAllLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

func (c *Client) enqueue(msg *nats.Msg) {
	m := inboundMsg{
		subject: msg.Subject,
		reply:   msg.Reply,
		data:    msg.Data,
		respond: msg.Respond,
	}
	select {
	case c.msgs <- m:
	default:
		logrus.WithField("subject", msg.Subject).Warnln("Push message queue full, dropping message")
	}
}

// worker drains inbound messages strictly in arrival order.
func (c *Client) worker() {
	for {
		select {
		case <-c.stop:
			return
		case m := <-c.msgs:
			c.processMessage(m)
		}
	}
}

func (c *Client) processMessage(m inboundMsg) {
	c.mu.Lock()
	cmdTopic := commandTopic(c.deviceID)
	key := c.hmacKey
	deadline := c.ruleSyncDeadline
	c.mu.Unlock()

	switch {
	case m.subject == cmdTopic:
		c.handleCommand(m, key)
	case strings.HasPrefix(m.subject, hostTopicPrefix):
		logrus.WithField("subject", m.subject).Infoln("Push message for this host, requesting sync")
		c.delegate.Sync()
	case strings.HasPrefix(m.subject, tagTopicPrefix):
		// Tag fan-out announces new rules; every subscriber picks them up
		// with a rule-only sync spread across the advertised deadline.
		bound := tagSyncJitterSec
		if deadline > 0 {
			bound = int(deadline)
		}
		delay := uint64(c.jitterSeconds(bound))
		logrus.WithFields(logrus.Fields{
			"subject":       m.subject,
			"delay_seconds": delay,
		}).Infoln("Push message for tag, requesting jittered rule sync")
		c.delegate.RuleSyncSecondsFromNow(delay)
	default:
		logrus.WithField("subject", m.subject).Warnln("Push message on unexpected subject")
	}
}

func (c *Client) jitterSeconds(max int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Intn(max + 1)
}

func (c *Client) handleCommand(m inboundMsg, key []byte) {
	var resp *command.Response

	env, err := command.DecodeEnvelope(m.data)
	if err != nil {
		logrus.WithError(err).Warnln("Failed to decode command envelope")
		resp = command.ErrorResponse(command.ErrInvalidData)
	} else if err := c.auth.Verify(env, key); err != nil {
		logrus.WithField("uuid", env.UUID).WithError(err).Warnln("Command failed verification")
		resp = command.ErrorResponse(err)
	} else {
		resp = c.dispatcher.Dispatch(context.Background(), env)
	}

	if m.reply == "" {
		logrus.Warnln("Command message has no reply subject, dropping response")
		return
	}

	data, err := resp.Encode()
	if err != nil {
		logrus.WithError(err).Errorln("Failed to encode command response")
		return
	}
	if err := m.respond(data); err != nil {
		logrus.WithField("subject", m.reply).WithError(err).Warnln("Failed to publish command response")
	}
}
