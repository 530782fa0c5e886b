package config

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"gpiohost/bus"
)

const (
	serviceName  = "config"
	configPrefix = "config"
)

// ctxKey avoids collisions with other packages' context values.
type ctxKey string

// CtxProfileKey selects which embedded profile to publish when no config
// file is given.
const CtxProfileKey ctxKey = "profile"

// EmbeddedConfigLookup allows overriding how embedded profiles are resolved.
var EmbeddedConfigLookup = func(profile string) ([]byte, bool) {
	b, ok := embeddedConfigs[profile]
	return b, ok
}

// Service reads a JSON configuration object and publishes each top-level
// key as a retained message at config/<key>, where the other services
// pick them up.
type Service struct {
	Name string
	Path string // config file; empty means use an embedded profile
}

func NewService(path string) *Service {
	return &Service{Name: serviceName, Path: path}
}

func (s *Service) load(ctx context.Context) ([]byte, error) {
	if s.Path != "" {
		raw, err := os.ReadFile(s.Path)
		return raw, errors.Wrap(err, "read config file")
	}
	profile, _ := ctx.Value(CtxProfileKey).(string)
	if profile == "" {
		return nil, errors.New("missing profile in context and no config path")
	}
	raw, ok := EmbeddedConfigLookup(profile)
	if !ok || len(raw) == 0 {
		return nil, errors.New("no embedded config for profile: " + profile)
	}
	return raw, nil
}

func (s *Service) publishConfig(ctx context.Context, conn *bus.Connection) error {
	raw, err := s.load(ctx)
	if err != nil {
		return err
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return errors.Wrap(err, "decode config")
	}

	for k, v := range m {
		conn.Publish(&bus.Message{
			Topic:    bus.Topic{configPrefix, k},
			Payload:  v,
			Retained: true,
		})
	}
	return nil
}

// Start launches the config publisher in a goroutine.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) {
	go func() {
		_ = s.publishConfig(ctx, conn)
	}()
}
