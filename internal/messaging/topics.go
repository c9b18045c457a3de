package messaging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// TopicSpec describes a topic EnsureTopics provisions. Retention bounds the
// age of a message and RetentionBytes the size of each partition; zero
// leaves the broker default.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	Retention         time.Duration
	RetentionBytes    int64
}

func (s TopicSpec) config() kafka.TopicConfig {
	cfg := kafka.TopicConfig{
		Topic:             s.Name,
		NumPartitions:     s.Partitions,
		ReplicationFactor: s.ReplicationFactor,
	}
	if cfg.NumPartitions <= 0 {
		cfg.NumPartitions = 1
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	if s.Retention > 0 {
		cfg.ConfigEntries = append(cfg.ConfigEntries, kafka.ConfigEntry{
			ConfigName:  "retention.ms",
			ConfigValue: strconv.FormatInt(s.Retention.Milliseconds(), 10),
		})
	}
	if s.RetentionBytes > 0 {
		cfg.ConfigEntries = append(cfg.ConfigEntries, kafka.ConfigEntry{
			ConfigName:  "retention.bytes",
			ConfigValue: strconv.FormatInt(s.RetentionBytes, 10),
		})
	}
	return cfg
}

// EnsureTopics creates any missing topic through the cluster controller.
// Existing topics are left as they are.
func EnsureTopics(ctx context.Context, brokers []string, specs ...TopicSpec) error {
	if len(brokers) == 0 {
		return errors.New("ensure topics: no brokers")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial %s: %w", brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	cconn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", addr, err)
	}
	defer cconn.Close()

	configs := make([]kafka.TopicConfig, 0, len(specs))
	for _, s := range specs {
		configs = append(configs, s.config())
	}
	if err := cconn.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topics: %w", err)
	}
	return nil
}
