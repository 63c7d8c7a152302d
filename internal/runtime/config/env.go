package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "ORDERRELAY_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// FromEnv builds a Config from ORDERRELAY_* variables and applies defaults.
// A nil lookup reads the process environment.
func FromEnv(lookup LookupFunc) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	r := envReader{lookup: lookup}

	cfg := Config{
		PubSubSystem:        r.str("PUBSUB_SYSTEM"),
		KafkaBrokers:        r.list("KAFKA_BROKERS"),
		KafkaClientID:       r.str("KAFKA_CLIENT_ID"),
		KafkaConsumerGroup:  r.str("KAFKA_CONSUMER_GROUP"),
		RabbitMQURL:         r.str("RABBITMQ_URL"),
		NATSURL:             r.str("NATS_URL"),
		HTTPServerAddress:   r.str("HTTP_SERVER_ADDRESS"),
		HTTPPublisherURL:    r.str("HTTP_PUBLISHER_URL"),
		AWSRegion:           r.str("AWS_REGION"),
		AWSAccessKeyID:      r.str("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey:  r.str("AWS_SECRET_ACCESS_KEY"),
		AWSEndpoint:         r.str("AWS_ENDPOINT"),
		InputQueue:          r.str("INPUT_QUEUE"),
		OutputQueue:         r.str("OUTPUT_QUEUE"),
		DeadLetterQueue:     r.str("DEAD_LETTER_QUEUE"),
		DeliveryConcurrency: r.int("DELIVERY_CONCURRENCY"),
		ReadTimeout:         r.duration("READ_TIMEOUT"),
		IDFormat:            strings.ToLower(r.str("ID_FORMAT")),
		APIAddress:          DefaultAPIAddress,
		MetricsEnabled:      r.bool("METRICS_ENABLED"),
		MetricsPort:         r.int("METRICS_PORT"),
		ShutdownTimeout:     r.duration("SHUTDOWN_TIMEOUT"),
		LogLevel:            r.str("LOG_LEVEL"),
	}
	if addr, ok := lookup(EnvPrefix + "API_ADDRESS"); ok {
		cfg.APIAddress = strings.TrimSpace(addr)
	}

	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}

	cfg = cfg.WithDefaults()
	return &cfg, nil
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (r *envReader) str(key string) string {
	v, _ := r.lookup(EnvPrefix + key)
	return strings.TrimSpace(v)
}

func (r *envReader) list(key string) []string {
	raw := r.str(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *envReader) int(key string) int {
	raw := r.str(key)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
	}
	return v
}

func (r *envReader) bool(key string) bool {
	raw := r.str(key)
	if raw == "" {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
	}
	return v
}

func (r *envReader) duration(key string) time.Duration {
	raw := r.str(key)
	if raw == "" {
		return 0
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
	}
	return v
}
