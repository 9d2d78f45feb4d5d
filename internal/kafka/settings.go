package kafka

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// OffsetReset selects where a group without committed offsets starts.
type OffsetReset string

const (
	ResetEarliest OffsetReset = "earliest"
	ResetLatest   OffsetReset = "latest"
)

// ConsumerSettings is the connection and group configuration of one
// physical consumer. It is a value type: derive per-instance settings with
// ForInstance instead of mutating a shared copy.
type ConsumerSettings struct {
	Cluster         ClusterConfig `yaml:"-"`
	GroupID         string        `yaml:"groupId" env:"EVENTSUB_CONSUMER_GROUP_ID"`
	GroupInstanceID string        `yaml:"groupInstanceId" env:"EVENTSUB_CONSUMER_GROUP_INSTANCE_ID"`
	MaxPollInterval time.Duration `yaml:"maxPollInterval"`
	SessionTimeout  time.Duration `yaml:"sessionTimeout"`
	AutoOffsetReset OffsetReset   `yaml:"autoOffsetReset" env:"EVENTSUB_CONSUMER_AUTO_OFFSET_RESET"`
}

// Validate checks the settings for errors.
func (s ConsumerSettings) Validate() error {
	var errs []error
	if err := s.Cluster.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cluster: %w", err))
	}
	if s.GroupID == "" {
		errs = append(errs, errors.New("groupId is required"))
	}
	switch s.AutoOffsetReset {
	case "", ResetEarliest, ResetLatest:
	default:
		errs = append(errs, fmt.Errorf("autoOffsetReset %q is not valid (must be earliest or latest)", s.AutoOffsetReset))
	}
	if s.MaxPollInterval < 0 {
		errs = append(errs, fmt.Errorf("maxPollInterval must not be negative, got %s", s.MaxPollInterval))
	}
	if s.SessionTimeout < 0 {
		errs = append(errs, fmt.Errorf("sessionTimeout must not be negative, got %s", s.SessionTimeout))
	}
	return errors.Join(errs...)
}

// ForInstance returns the settings for consumer instance n of the logical
// group. Instance 0, or settings without an explicit group instance id, are
// returned unchanged; any other instance gets the id suffixed with "#n" so
// every instance keeps a stable static-membership identity across restarts.
func (s ConsumerSettings) ForInstance(n int) ConsumerSettings {
	derived := s
	derived.Cluster = s.Cluster.clone()
	if s.GroupInstanceID == "" || n == 0 {
		return derived
	}
	derived.GroupInstanceID = s.GroupInstanceID + "#" + strconv.Itoa(n)
	return derived
}

// MaxPollIntervalMs is the max poll interval in whole milliseconds.
// Sub-millisecond remainders are truncated.
func (s ConsumerSettings) MaxPollIntervalMs() int {
	return int(s.MaxPollInterval / time.Millisecond)
}

// SessionTimeoutMs is the session timeout in whole milliseconds.
// Sub-millisecond remainders are truncated.
func (s ConsumerSettings) SessionTimeoutMs() int {
	return int(s.SessionTimeout / time.Millisecond)
}

func (s ConsumerSettings) resetOffset() kgo.Offset {
	if s.AutoOffsetReset == ResetLatest {
		return kgo.NewOffset().AtEnd()
	}
	return kgo.NewOffset().AtStart()
}
