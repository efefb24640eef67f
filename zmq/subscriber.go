// Copyright 2025 The chainwatch Authors
// This file is part of the chainwatch library.
//
// The chainwatch library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The chainwatch library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the chainwatch library. If not, see <http://www.gnu.org/licenses/>.

// Package zmq subscribes to the push notification stream bitcoind-family
// nodes publish over ZeroMQ. Messages arrive as multipart frames: topic,
// payload, and a 4-byte little-endian publisher sequence number. The
// subscriber survives node restarts by reconnecting with capped backoff and
// reports degraded health once the failure budget is spent; correctness is
// never its job, the reconciliation sweep covers missed messages.
package zmq

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightninglabs/gozmq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/coinharbor/chainwatch/metrics"
)

// Topics published by bitcoind and zcashd.
const (
	TopicHashBlock = "hashblock" // 32-byte block hash
	TopicRawTx     = "rawtx"     // serialized transaction
)

// Handler consumes the payload of one message. Returning an error logs the
// failure and keeps the stream running.
type Handler func(payload []byte, seq uint32) error

// Conn is the part of a ZMQ subscription the reader loop touches. Tests
// substitute an in-memory implementation.
type Conn interface {
	Receive() ([][]byte, error)
	Close() error
}

// DialFunc opens a subscription for the given topics. The timeout becomes
// the Receive poll interval, which bounds how fast the loop notices Stop.
type DialFunc func(endpoint string, topics []string, timeout time.Duration) (Conn, error)

// Dial is the production DialFunc.
func Dial(endpoint string, topics []string, timeout time.Duration) (Conn, error) {
	return gozmq.Subscribe(endpoint, topics, timeout)
}

// Config configures a Subscriber.
type Config struct {
	Endpoint             string
	RcvTimeout           time.Duration // poll interval, default 100ms
	ReconnectDelay       time.Duration // initial backoff, default 1s
	MaxReconnectDelay    time.Duration // backoff cap, default 30s
	MaxReconnectAttempts int           // failures before health degrades, default 10
	Dial                 DialFunc      // default Dial
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RcvTimeout <= 0 {
		out.RcvTimeout = 100 * time.Millisecond
	}
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = time.Second
	}
	if out.MaxReconnectDelay <= 0 {
		out.MaxReconnectDelay = 30 * time.Second
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = 10
	}
	if out.Dial == nil {
		out.Dial = Dial
	}
	return out
}

// Subscriber owns one ZMQ connection and fans messages out to per-topic
// handlers. Dispatch is sequential: a handler sees messages in publisher
// order and is never called concurrently with itself.
type Subscriber struct {
	cfg      Config
	handlers map[string]Handler
	topics   []string

	healthy atomic.Bool
	started atomic.Bool
	stopped atomic.Bool

	// lastSeq tracks the publisher sequence per topic for gap detection.
	// Only the reader goroutine touches it.
	lastSeq map[string]uint32
	seen    map[string]bool

	quit chan struct{}
	wg   sync.WaitGroup
	log  *logrus.Entry
}

// NewSubscriber returns an unstarted subscriber.
func NewSubscriber(cfg Config) *Subscriber {
	s := &Subscriber{
		cfg:      cfg.withDefaults(),
		handlers: make(map[string]Handler),
		lastSeq:  make(map[string]uint32),
		seen:     make(map[string]bool),
		quit:     make(chan struct{}),
		log:      logrus.WithFields(logrus.Fields{"module": "zmq", "endpoint": cfg.Endpoint}),
	}
	s.healthy.Store(true)
	return s
}

// Handle registers the handler for one topic. Must be called before Start.
func (s *Subscriber) Handle(topic string, h Handler) {
	if s.started.Load() {
		panic("zmq: Handle called after Start")
	}
	s.handlers[topic] = h
	s.topics = append(s.topics, topic)
}

// Start connects and begins dispatching. The initial connection failure is
// not fatal; the reconnect loop takes over immediately.
func (s *Subscriber) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("zmq: subscriber already started")
	}
	if len(s.handlers) == 0 {
		return errors.New("zmq: no topic handlers registered")
	}
	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop tears the subscription down and waits for the reader to exit.
func (s *Subscriber) Stop() error {
	if !s.started.Load() {
		return errors.New("zmq: subscriber not started")
	}
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(s.quit)
	s.wg.Wait()
	return nil
}

// Healthy reports whether the stream is connected, or at least within its
// reconnect budget. A degraded subscriber keeps trying forever.
func (s *Subscriber) Healthy() bool {
	return s.healthy.Load()
}

func (s *Subscriber) setHealthy(ok bool) {
	s.healthy.Store(ok)
	v := 0.0
	if ok {
		v = 1.0
	}
	metrics.SubscriberHealthy.WithLabelValues(s.cfg.Endpoint).Set(v)
}

func (s *Subscriber) run() {
	defer s.wg.Done()

	failures := 0
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		conn, err := s.cfg.Dial(s.cfg.Endpoint, s.topics, s.cfg.RcvTimeout)
		if err != nil {
			failures++
			metrics.SubscriberReconnects.WithLabelValues(s.cfg.Endpoint).Inc()
			if failures > s.cfg.MaxReconnectAttempts && s.Healthy() {
				s.log.WithField("failures", failures).Error("reconnect budget spent, marking stream degraded")
				s.setHealthy(false)
			}
			delay := reconnectDelay(s.cfg.ReconnectDelay, s.cfg.MaxReconnectDelay, failures)
			s.log.WithError(err).WithFields(logrus.Fields{
				"failures": failures,
				"retry_in": delay,
			}).Warn("zmq connect failed")
			select {
			case <-time.After(delay):
			case <-s.quit:
				return
			}
			continue
		}

		if failures > 0 {
			s.log.WithField("failures", failures).Info("zmq stream reconnected")
		}
		failures = 0
		s.setHealthy(true)

		quit := s.read(conn)
		conn.Close()
		if quit {
			return
		}
		// Receive failed; count it as a failure and redial.
		failures++
		metrics.SubscriberReconnects.WithLabelValues(s.cfg.Endpoint).Inc()
	}
}

// read pumps messages until the connection breaks (false) or Stop is called
// (true). Receive timeouts are idle polls, not errors.
func (s *Subscriber) read(conn Conn) bool {
	for {
		select {
		case <-s.quit:
			return true
		default:
		}

		frames, err := conn.Receive()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.log.WithError(err).Warn("zmq receive failed")
			return false
		}
		s.dispatch(frames)
	}
}

func (s *Subscriber) dispatch(frames [][]byte) {
	if len(frames) < 2 {
		s.log.WithField("frames", len(frames)).Debug("dropping short zmq message")
		return
	}
	topic, payload := string(frames[0]), frames[1]
	handler, ok := s.handlers[topic]
	if !ok {
		s.log.WithField("topic", topic).Debug("no handler for topic")
		return
	}

	var seq uint32
	if len(frames) >= 3 && len(frames[2]) == 4 {
		seq = binary.LittleEndian.Uint32(frames[2])
		if s.seen[topic] && seq != s.lastSeq[topic]+1 {
			metrics.SequenceGaps.WithLabelValues(topic).Inc()
			s.log.WithFields(logrus.Fields{
				"topic": topic,
				"have":  seq,
				"want":  s.lastSeq[topic] + 1,
			}).Warn("zmq sequence gap, notifications were lost")
		}
		s.lastSeq[topic] = seq
		s.seen[topic] = true
	}

	if err := handler(payload, seq); err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("zmq handler failed")
	}
}

// reconnectDelay doubles from base per consecutive failure, capped at max.
func reconnectDelay(base, max time.Duration, failures int) time.Duration {
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
