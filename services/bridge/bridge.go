// bridge/bridge.go
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gpiohost/bus"
)

// -----------------------------------------------------------------------------
// Public entry point
// -----------------------------------------------------------------------------

// Start starts the bridge service. It blocks until ctx is cancelled.
// It listens for JSON config on topic {"config","bridge"} and (re)configures
// the link. Local messages matching the export patterns are forwarded to the
// peer; messages received from the peer are republished under the import
// prefix, which keeps them from matching the export patterns and echoing
// back.
func Start(ctx context.Context, conn *bus.Connection, log zerolog.Logger) {
	s := &Service{
		conn:       conn,
		log:        log,
		stateTopic: bus.Topic{"bridge", "state"},
	}
	s.run(ctx)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config is the JSON-encoded configuration expected on "config/bridge".
type Config struct {
	Transport TransportConfig `json:"transport"`

	// Export lists topic patterns (with + and # wildcards) forwarded to
	// the peer.
	Export [][]any `json:"export,omitempty"`

	// ImportPrefix is prepended to topics received from the peer.
	// Defaults to "remote".
	ImportPrefix string `json:"import_prefix,omitempty"`
}

type TransportConfig struct {
	// "tcp" (provided here) or other names registered via RegisterTransport.
	Type string     `json:"type"`
	TCP  *TCPConfig `json:"tcp,omitempty"`
}

type TCPConfig struct {
	Addr          string `json:"addr"`
	DialTimeoutMS int    `json:"dial_timeout_ms,omitempty"`
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

type Service struct {
	conn       *bus.Connection
	log        zerolog.Logger
	stateTopic bus.Topic

	mu     sync.Mutex
	curRun context.CancelFunc
}

// run waits for config and supervises a single link instance.
func (s *Service) run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(bus.Topic{"config", "bridge"})
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				return
			}
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg Config) {
	s.mu.Lock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
	ctx, cancel := context.WithCancel(parent)
	s.curRun = cancel
	s.mu.Unlock()

	go s.runLink(ctx, cfg)
}

// -----------------------------------------------------------------------------
// Link supervision and I/O
// -----------------------------------------------------------------------------

func (s *Service) runLink(ctx context.Context, cfg Config) {
	tr, err := newTransport(cfg.Transport)
	if err != nil {
		s.publishState("error", "transport_init_failed", err)
		return
	}

	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rwc, err := tr.Open(ctx)
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "dial_failed_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		s.publishState("up", "link_established", nil)
		s.log.Info().Str("transport", tr.String()).Msg("bridge link up")
		if err := s.handleLink(ctx, cfg, rwc); err != nil {
			_ = rwc.Close()
			delay := backoff()
			s.publishState("degraded", "link_lost_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		// Clean close: restart only on new config.
		_ = rwc.Close()
		return
	}
}

// pubFrame is the wire form of a forwarded message.
type pubFrame struct {
	Topic    []any `json:"topic"`
	Payload  any   `json:"payload,omitempty"`
	Retained bool  `json:"retained,omitempty"`
}

// handleLink owns the active link lifetime.
func (s *Service) handleLink(ctx context.Context, cfg Config, rwc io.ReadWriteCloser) error {
	rd := newFramedReader(rwc)
	wr := newFramedWriter(rwc)

	importPrefix := cfg.ImportPrefix
	if importPrefix == "" {
		importPrefix = "remote"
	}

	// All writes funnel through wrQ so the writer is single-goroutine.
	wrQ := make(chan Frame, 64)

	// Export subscriptions fan in to wrQ.
	var subs []*bus.Subscription
	var fanWG sync.WaitGroup
	for _, pattern := range cfg.Export {
		sub := s.conn.Subscribe(bus.Topic(pattern))
		subs = append(subs, sub)
		fanWG.Add(1)
		go func(sub *bus.Subscription) {
			defer fanWG.Done()
			for m := range sub.Channel() {
				if len(m.Topic) > 0 && m.Topic[0] == importPrefix {
					continue // came from the peer
				}
				b, err := json.Marshal(pubFrame{Topic: m.Topic, Payload: m.Payload, Retained: m.Retained})
				if err != nil {
					continue
				}
				select {
				case wrQ <- Frame{Type: framePub, Payload: b}:
				default:
					// drop rather than stall the local bus
				}
			}
		}(sub)
	}
	teardown := func() {
		for _, sub := range subs {
			s.conn.Unsubscribe(sub)
		}
		fanWG.Wait()
	}
	defer teardown()

	// Reader
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			f, err := rd.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			switch f.Type {
			case framePing:
				select {
				case wrQ <- Frame{Type: framePong}:
				default:
				}
			case framePong:
				// keepalive only
			case framePub:
				var pf pubFrame
				if err := json.Unmarshal(f.Payload, &pf); err != nil {
					s.log.Warn().Err(err).Msg("bad pub frame from peer")
					continue
				}
				topic := append(bus.Topic{importPrefix}, normalizeTokens(pf.Topic)...)
				s.conn.Publish(s.conn.NewMessage(topic, pf.Payload, pf.Retained))
			case frameClose:
				errCh <- nil
				return
			}
		}
	}()

	// Writer: forwarded frames plus a keepalive ping.
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = wr.WriteFrame(Frame{Type: frameClose})
			return nil
		case err := <-errCh:
			if err != nil {
				return err
			}
			return nil
		case f := <-wrQ:
			if err := wr.WriteFrame(f); err != nil {
				return err
			}
		case <-tick.C:
			if err := wr.WriteFrame(Frame{Type: framePing}); err != nil {
				return err
			}
		}
	}
}

// normalizeTokens maps JSON-decoded numbers back to ints so topics survive
// the wire round trip. Whole floats are the only numeric tokens produced by
// encoding/json.
func normalizeTokens(tokens []any) bus.Topic {
	out := make(bus.Topic, 0, len(tokens))
	for _, t := range tokens {
		if f, ok := t.(float64); ok && f == float64(int(f)) {
			out = append(out, int(f))
			continue
		}
		out = append(out, t)
	}
	return out
}

// -----------------------------------------------------------------------------
// Transport registry
// -----------------------------------------------------------------------------

// Transport is a pluggable link dialler/owner.
type Transport interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

type transportFactory func(TransportConfig) (Transport, error)

var (
	regMu    sync.RWMutex
	registry = map[string]transportFactory{}
)

// RegisterTransport allows external packages to add transports (eg. "ws").
func RegisterTransport(name string, f transportFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

func newTransport(cfg TransportConfig) (Transport, error) {
	regMu.RLock()
	f, ok := registry[cfg.Type]
	regMu.RUnlock()
	if ok {
		return f(cfg)
	}
	switch cfg.Type {
	case "tcp":
		return newTCPTransport(cfg)
	default:
		return nil, fmt.Errorf("unknown transport type: %q", cfg.Type)
	}
}

// TCPDial can be injected to replace the default dialler, e.g. in tests.
var TCPDial func(ctx context.Context, c TCPConfig) (io.ReadWriteCloser, error)

type tcpTransport struct {
	cfg TCPConfig
}

func newTCPTransport(cfg TransportConfig) (Transport, error) {
	if cfg.TCP == nil || cfg.TCP.Addr == "" {
		return nil, errors.New("tcp transport requires an address")
	}
	return &tcpTransport{cfg: *cfg.TCP}, nil
}

func (t *tcpTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	if TCPDial != nil {
		return TCPDial(ctx, t.cfg)
	}
	d := net.Dialer{}
	if t.cfg.DialTimeoutMS > 0 {
		d.Timeout = time.Duration(t.cfg.DialTimeoutMS) * time.Millisecond
	}
	return d.DialContext(ctx, "tcp", t.cfg.Addr)
}

func (t *tcpTransport) String() string { return "tcp" }

// -----------------------------------------------------------------------------
// Framing
// -----------------------------------------------------------------------------

const (
	framePing  byte = 0x01
	framePong  byte = 0x02
	framePub   byte = 0x10
	frameClose byte = 0x7f
)

// Frame is a length-prefixed frame: type byte, 16-bit payload length,
// payload bytes.
type Frame struct {
	Type    byte
	Payload []byte
}

type framedReader struct{ r io.Reader }
type framedWriter struct{ w io.Writer }

func newFramedReader(r io.Reader) *framedReader { return &framedReader{r: r} }
func newFramedWriter(w io.Writer) *framedWriter { return &framedWriter{w: w} }

func (fr *framedReader) ReadFrame() (Frame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	typ := hdr[0]
	n := int(hdr[1])<<8 | int(hdr[2])
	var buf []byte
	if n > 0 {
		buf = make([]byte, n)
		if _, err := io.ReadFull(fr.r, buf); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: typ, Payload: buf}, nil
}

func (fw *framedWriter) WriteFrame(f Frame) error {
	if len(f.Payload) > 0xFFFF {
		return fmt.Errorf("frame too large: %d", len(f.Payload))
	}
	hdr := []byte{f.Type, byte(len(f.Payload) >> 8), byte(len(f.Payload) & 0xFF)}
	if _, err := fw.w.Write(hdr); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		_, err := fw.w.Write(f.Payload)
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func decodeConfig(p any) (Config, error) {
	var cfg Config
	switch v := p.(type) {
	case []byte:
		if err := json.Unmarshal(v, &cfg); err != nil {
			return cfg, err
		}
	case string:
		if err := json.Unmarshal([]byte(v), &cfg); err != nil {
			return cfg, err
		}
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return cfg, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config payload type: %T", p)
	}
	return cfg, nil
}

func (s *Service) publishState(level, status string, err error) {
	payload := map[string]any{
		"level":  level,  // "up", "degraded", "error", "idle"
		"status": status, // short machine string
		"ts_ms":  time.Now().UnixMilli(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(s.stateTopic, payload, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
