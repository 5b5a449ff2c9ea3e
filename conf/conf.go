// Package conf builds the immutable consumer configuration.
package conf

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mkocikowski/kafkaconsumer"
)

// Configuration keys.
const (
	BootstrapServers       = "bootstrap-servers"
	GroupID                = "group-id"
	EnableAutoCommit       = "enable-auto-commit"
	AutoCommitIntervalMs   = "auto-commit-interval-ms"
	SessionTimeoutMs       = "session-timeout-ms"
	MaxPartitionFetchBytes = "max-partition-fetch-bytes"
	MaxPollRecords         = "max-poll-records"
	AutoOffsetReset        = "auto-offset-reset"
	ClientID               = "client-id"
	FetchMaxWaitMs         = "fetch-max-wait-ms"
	Client                 = "client"
	DebugOwnerCheck        = "debug-owner-check"
)

// Values of AutoOffsetReset.
const (
	ResetLatest   = "latest"
	ResetEarliest = "earliest"
	ResetNone     = "none"
)

// Values of Client.
const (
	ClientFranz  = "franz"
	ClientStatic = "static"
)

// Conf is an immutable set of configuration properties plus the key and value decoders. The
// zero value is empty and not valid. Methods that "change" a Conf return a new one.
type Conf struct {
	props        map[string]interface{}
	keyDecoder   Decoder
	valueDecoder Decoder
}

type options struct {
	props map[string]interface{}
}

// Option sets a property when building a Conf.
type Option func(*options)

func WithBootstrapServers(servers string) Option {
	return func(o *options) { o.props[BootstrapServers] = servers }
}

func WithAutoCommit(enabled bool) Option {
	return func(o *options) { o.props[EnableAutoCommit] = enabled }
}

func WithAutoCommitInterval(d time.Duration) Option {
	return func(o *options) { o.props[AutoCommitIntervalMs] = int(d / time.Millisecond) }
}

func WithSessionTimeout(d time.Duration) Option {
	return func(o *options) { o.props[SessionTimeoutMs] = int(d / time.Millisecond) }
}

func WithMaxPartitionFetchBytes(n int) Option {
	return func(o *options) { o.props[MaxPartitionFetchBytes] = n }
}

func WithMaxPollRecords(n int) Option {
	return func(o *options) { o.props[MaxPollRecords] = n }
}

// WithAutoOffsetReset sets what happens when there is no committed offset for a partition. One of
// ResetLatest, ResetEarliest, ResetNone.
func WithAutoOffsetReset(reset string) Option {
	return func(o *options) { o.props[AutoOffsetReset] = reset }
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		BootstrapServers:     "localhost:9092",
		EnableAutoCommit:     true,
		AutoCommitIntervalMs: 1000,
		SessionTimeoutMs:     30000,
		AutoOffsetReset:      ResetLatest,
		ClientID:             "kafkaconsumer-" + uuid.NewString(),
		FetchMaxWaitMs:       500,
		Client:               ClientFranz,
		DebugOwnerCheck:      false,
	}
}

// Build returns a Conf with defaults for everything that is not set with opts. groupID is
// required. Returns error wrapping ErrConfig if groupID or bootstrap servers are empty or any
// of the values is invalid.
func Build(keyDecoder, valueDecoder Decoder, groupID string, opts ...Option) (Conf, error) {
	o := &options{props: defaults()}
	o.props[GroupID] = groupID
	for _, opt := range opts {
		opt(o)
	}
	c := Conf{
		props:        o.props,
		keyDecoder:   keyDecoder,
		valueDecoder: valueDecoder,
	}
	if err := c.Validate(); err != nil {
		return Conf{}, err
	}
	return c, nil
}

func configErrorf(format string, v ...interface{}) error {
	return kafkaconsumer.Errorf("%w: %s", kafkaconsumer.ErrConfig, fmt.Sprintf(format, v...))
}

func checkValue(key string, value interface{}) error {
	if key == "" {
		return configErrorf("empty key")
	}
	switch value.(type) {
	case string, bool, int:
		return nil
	default:
		return configErrorf("key %q: unsupported value type %T", key, value)
	}
}

// Validate checks that all required keys are present and known keys have values of the right
// type and range. It is called by Build, and again before a client is constructed, because
// WithConf and WithProperty can produce a Conf that Build would have rejected.
func (c Conf) Validate() error {
	for k, v := range c.props {
		if err := checkValue(k, v); err != nil {
			return err
		}
	}
	if s, _ := c.props[GroupID].(string); s == "" {
		return configErrorf("%s is required", GroupID)
	}
	if s, _ := c.props[BootstrapServers].(string); s == "" {
		return configErrorf("%s is required", BootstrapServers)
	}
	for _, k := range []string{EnableAutoCommit, DebugOwnerCheck} {
		if v, ok := c.props[k]; ok {
			if _, ok := v.(bool); !ok {
				return configErrorf("%s must be a bool", k)
			}
		}
	}
	for _, k := range []string{AutoCommitIntervalMs, SessionTimeoutMs, MaxPartitionFetchBytes, MaxPollRecords, FetchMaxWaitMs} {
		if v, ok := c.props[k]; ok {
			if n, ok := v.(int); !ok || n <= 0 {
				return configErrorf("%s must be a positive int, got %v", k, v)
			}
		}
	}
	// sent to brokers as int32
	for _, k := range []string{MaxPartitionFetchBytes, FetchMaxWaitMs} {
		if n, _ := c.props[k].(int); n > math.MaxInt32 {
			return configErrorf("%s must be at most %d, got %d", k, math.MaxInt32, n)
		}
	}
	switch r := c.String(AutoOffsetReset); r {
	case "", ResetLatest, ResetEarliest, ResetNone:
	default:
		return configErrorf("%s: unknown value %q", AutoOffsetReset, r)
	}
	switch cl := c.String(Client); cl {
	case "", ClientFranz, ClientStatic:
	default:
		return configErrorf("%s: unknown value %q", Client, cl)
	}
	return nil
}

// WithConf returns a new Conf with properties of c and other merged. Where both have the same key
// the value from other wins. Decoders from other win if they are not nil.
func (c Conf) WithConf(other Conf) Conf {
	props := make(map[string]interface{}, len(c.props)+len(other.props))
	for k, v := range c.props {
		props[k] = v
	}
	for k, v := range other.props {
		props[k] = v
	}
	merged := Conf{props: props, keyDecoder: c.keyDecoder, valueDecoder: c.valueDecoder}
	if other.keyDecoder != nil {
		merged.keyDecoder = other.keyDecoder
	}
	if other.valueDecoder != nil {
		merged.valueDecoder = other.valueDecoder
	}
	return merged
}

// WithProperty returns a new Conf with key set to value. Value must be a string, bool, or int.
func (c Conf) WithProperty(key string, value interface{}) (Conf, error) {
	if err := checkValue(key, value); err != nil {
		return Conf{}, err
	}
	return c.WithConf(Conf{props: map[string]interface{}{key: value}}), nil
}

// Props returns a copy of the properties.
func (c Conf) Props() map[string]interface{} {
	props := make(map[string]interface{}, len(c.props))
	for k, v := range c.props {
		props[k] = v
	}
	return props
}

// Keys returns sorted property keys.
func (c Conf) Keys() []string {
	keys := make([]string, 0, len(c.props))
	for k := range c.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c Conf) Get(key string) (interface{}, bool) {
	v, ok := c.props[key]
	return v, ok
}

// String returns the value for key or "" if it is not set or not a string.
func (c Conf) String(key string) string {
	s, _ := c.props[key].(string)
	return s
}

// Bool returns the value for key or false if it is not set or not a bool.
func (c Conf) Bool(key string) bool {
	b, _ := c.props[key].(bool)
	return b
}

// Int returns the value for key. ok is false if the key is not set or is not an int.
func (c Conf) Int(key string) (n int, ok bool) {
	n, ok = c.props[key].(int)
	return
}

// Duration interprets the int value of a "-ms" key as milliseconds.
func (c Conf) Duration(key string) time.Duration {
	n, _ := c.Int(key)
	return time.Duration(n) * time.Millisecond
}

func (c Conf) KeyDecoder() Decoder {
	if c.keyDecoder == nil {
		return Bytes{}
	}
	return c.keyDecoder
}

func (c Conf) ValueDecoder() Decoder {
	if c.valueDecoder == nil {
		return Bytes{}
	}
	return c.valueDecoder
}
