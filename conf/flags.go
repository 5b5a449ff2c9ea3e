package conf

import (
	"flag"
	"time"
)

// Flags holds command line settings for programs that build a Conf from flags. Zero values of
// the optional fields mean "use the default".
type Flags struct {
	BootstrapServers       string
	GroupID                string
	EnableAutoCommit       bool
	AutoCommitInterval     time.Duration
	SessionTimeout         time.Duration
	MaxPartitionFetchBytes int
	MaxPollRecords         int
	AutoOffsetReset        string
	Client                 string
	DebugOwnerCheck        bool
}

// RegisterFlags registers the flags on f.
func (cfg *Flags) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix registers the flags on f, each name prefixed with prefix.
func (cfg *Flags) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.BootstrapServers, prefix+BootstrapServers, "localhost:9092", "Kafka bootstrap host:port list, comma separated.")
	f.StringVar(&cfg.GroupID, prefix+GroupID, "", "Consumer group id. Required.")
	f.BoolVar(&cfg.EnableAutoCommit, prefix+EnableAutoCommit, true, "Commit offsets periodically in the background.")
	f.DurationVar(&cfg.AutoCommitInterval, prefix+"auto-commit-interval", time.Second, "Period between background commits.")
	f.DurationVar(&cfg.SessionTimeout, prefix+"session-timeout", 30*time.Second, "Group membership session timeout.")
	f.IntVar(&cfg.MaxPartitionFetchBytes, prefix+MaxPartitionFetchBytes, 0, "Per partition fetch cap. 0 means broker default.")
	f.IntVar(&cfg.MaxPollRecords, prefix+MaxPollRecords, 0, "Max records returned by a single poll. 0 means unbounded.")
	f.StringVar(&cfg.AutoOffsetReset, prefix+AutoOffsetReset, ResetLatest, "Where to start when there is no committed offset: latest, earliest, none.")
	f.StringVar(&cfg.Client, prefix+Client, ClientFranz, "Broker client: franz or static (manual assignment only).")
	f.BoolVar(&cfg.DebugOwnerCheck, prefix+DebugOwnerCheck, false, "Fail calls made from a goroutine other than the owner.")
}

// Build returns a Conf built from the flag values.
func (cfg *Flags) Build(keyDecoder, valueDecoder Decoder) (Conf, error) {
	opts := []Option{
		WithBootstrapServers(cfg.BootstrapServers),
		WithAutoCommit(cfg.EnableAutoCommit),
		WithAutoOffsetReset(cfg.AutoOffsetReset),
	}
	if cfg.AutoCommitInterval > 0 {
		opts = append(opts, WithAutoCommitInterval(cfg.AutoCommitInterval))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, WithSessionTimeout(cfg.SessionTimeout))
	}
	if cfg.MaxPartitionFetchBytes > 0 {
		opts = append(opts, WithMaxPartitionFetchBytes(cfg.MaxPartitionFetchBytes))
	}
	if cfg.MaxPollRecords > 0 {
		opts = append(opts, WithMaxPollRecords(cfg.MaxPollRecords))
	}
	c, err := Build(keyDecoder, valueDecoder, cfg.GroupID, opts...)
	if err != nil {
		return Conf{}, err
	}
	if c, err = c.WithProperty(Client, cfg.Client); err != nil {
		return Conf{}, err
	}
	if c, err = c.WithProperty(DebugOwnerCheck, cfg.DebugOwnerCheck); err != nil {
		return Conf{}, err
	}
	if err := c.Validate(); err != nil {
		return Conf{}, err
	}
	return c, nil
}
