package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"gpiohost/bus"
	"gpiohost/x/mathx"
	"gpiohost/x/timex"
)

var (
	topicConfig = bus.Topic{"config", "heartbeat"}
	topicState  = bus.Topic{"heartbeat", "state"}
)

const defaultInterval = time.Second

type Service struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Service {
	return &Service{log: log}
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfig)
	defer conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(defaultInterval)
	defer tick.Stop()

	var beats uint64
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("heartbeat stopping")
			return
		case <-tick.C:
			beats++
			conn.Publish(conn.NewMessage(topicState,
				map[string]any{"beats": beats, "ts_ms": timex.NowMs()}, true))
		case msg := <-cfgSub.Channel():
			m, ok := msg.Payload.(map[string]any)
			if !ok {
				continue
			}
			iv, ok := m["interval_ms"].(float64)
			if !ok {
				continue
			}
			ms := mathx.Clamp(int(iv), 100, 3_600_000)
			tick.Reset(time.Duration(ms) * time.Millisecond)
			s.log.Info().Int("interval_ms", ms).Msg("heartbeat interval set")
		}
	}
}

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.serviceLoop(ctx, conn)
	return nil
}
