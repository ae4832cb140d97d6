package temporal

import (
	"crypto/tls"
	"fmt"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"github.com/zerozero/octolab/pkg/config"
	"github.com/zerozero/octolab/pkg/logger"
)

// NewClient creates a new Temporal client with configuration
func NewClient(cfg config.TemporalConfig, log logger.Logger) (client.Client, error) {
	options := client.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
		Identity:  cfg.WorkerIdentity,
		Logger:    NewLogAdapter(log.WithFields(logger.String("component", "temporal"))),
	}

	// Configure TLS if enabled
	if cfg.TLSEnabled {
		options.ConnectionOptions = client.ConnectionOptions{
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}

	c, err := client.Dial(options)
	if err != nil {
		log.Error("Failed to create Temporal client",
			logger.String("address", cfg.Address),
			logger.String("namespace", cfg.Namespace),
			logger.Error(err))
		return nil, fmt.Errorf("failed to create Temporal client: %w", err)
	}

	log.Info("Temporal client created",
		logger.String("address", cfg.Address),
		logger.String("namespace", cfg.Namespace))

	return c, nil
}

// LogAdapter routes SDK log lines through the service logger
type LogAdapter struct {
	log logger.Logger
}

var _ tlog.Logger = (*LogAdapter)(nil)

// NewLogAdapter wraps a service logger for the Temporal SDK
func NewLogAdapter(log logger.Logger) *LogAdapter {
	return &LogAdapter{log: log}
}

func fields(keyvals []interface{}) []logger.Field {
	out := make([]logger.Field, 0, len(keyvals)/2+1)
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if i+1 >= len(keyvals) {
			out = append(out, logger.Any("extra", keyvals[i]))
			break
		}
		if err, ok := keyvals[i+1].(error); ok {
			out = append(out, logger.String(key, err.Error()))
			continue
		}
		out = append(out, logger.Any(key, keyvals[i+1]))
	}
	return out
}

func (a *LogAdapter) Debug(msg string, keyvals ...interface{}) { a.log.Debug(msg, fields(keyvals)...) }
func (a *LogAdapter) Info(msg string, keyvals ...interface{})  { a.log.Info(msg, fields(keyvals)...) }
func (a *LogAdapter) Warn(msg string, keyvals ...interface{})  { a.log.Warn(msg, fields(keyvals)...) }
func (a *LogAdapter) Error(msg string, keyvals ...interface{}) { a.log.Error(msg, fields(keyvals)...) }
