// Consumer reads records from kafka and writes their values to stdout, one per line. It commits
// offsets of printed records asynchronously after each poll. It is meant as an example of how to
// use the library.
//
// With -partitions the partitions of the topic are assigned manually (required with
// -client=static), otherwise the consumer subscribes to the topics as a member of the group.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkocikowski/kafkaconsumer"
	"github.com/mkocikowski/kafkaconsumer/client"
	"github.com/mkocikowski/kafkaconsumer/commit"
	"github.com/mkocikowski/kafkaconsumer/conf"
	"github.com/mkocikowski/kafkaconsumer/consumer"
	"github.com/mkocikowski/kafkaconsumer/subscription"
)

var (
	projectName  string
	buildVersion string
	buildTime    string
)

func subscribeMode(topics, partitions string) (subscription.Subscribe, error) {
	names := strings.Split(topics, ",")
	if partitions == "" {
		return subscription.AutoPartition{Topics: names}, nil
	}
	var assigned []kafkaconsumer.TopicPartition
	for _, topic := range names {
		for _, s := range strings.Split(partitions, ",") {
			p, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid partition %q: %w", s, err)
			}
			assigned = append(assigned, kafkaconsumer.TopicPartition{Topic: topic, Partition: int32(p)})
		}
	}
	return subscription.ManualPartition{Partitions: assigned}, nil
}

func main() {
	var cfg conf.Flags
	cfg.RegisterFlags(flag.CommandLine)
	topics := flag.String("topics", "", "Topics to consume, comma separated.")
	partitions := flag.String("partitions", "", "Assign these partitions of each topic instead of subscribing, comma separated.")
	metricsAddr := flag.String("metrics-addr", "", "Serve prometheus metrics on this address. Off if empty.")
	debug := flag.Bool("debug", false, "Debug logging.")
	flag.Parse()
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	if *debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	level.Info(logger).Log("project", projectName, "version", buildVersion, "built", buildTime, "go", runtime.Version())
	//
	c, err := cfg.Build(conf.String{}, conf.String{})
	if err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(2)
	}
	mode, err := subscribeMode(*topics, *partitions)
	if err != nil {
		level.Error(logger).Log("msg", "invalid partitions", "err", err)
		os.Exit(2)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			level.Error(logger).Log("msg", "metrics server stopped", "err", http.ListenAndServe(*metricsAddr, nil))
		}()
	}
	kc, err := consumer.New(c, consumer.WithLogger(logger), consumer.WithRegisterer(reg))
	if err != nil {
		level.Error(logger).Log("msg", "error creating consumer", "err", err)
		os.Exit(1)
	}
	onRebalance := func(kind client.RebalanceKind, partitions []kafkaconsumer.TopicPartition) {
		level.Info(logger).Log("msg", "rebalance", "kind", kind, "partitions", fmt.Sprint(partitions))
	}
	if err := kc.Subscribe(mode, onRebalance); err != nil {
		level.Error(logger).Log("msg", "error subscribing", "err", err)
		os.Exit(1)
	}
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		kc.Wakeup()
	}()
	onCommit := func(r commit.Result) {
		if !r.OK() {
			level.Warn(logger).Log("msg", "commit failed", "retriable", kafkaconsumer.IsRetriable(r.Err), "err", r.Err)
		}
	}
	for {
		records, err := kc.Poll(context.Background(), time.Second)
		if errors.Is(err, kafkaconsumer.ErrCancelled) {
			break
		}
		if err != nil {
			level.Error(logger).Log("msg", "poll failed", "err", err)
			break
		}
		for _, r := range records {
			fmt.Println(r.Value)
		}
		if len(records) > 0 {
			kc.CommitAsyncLast(onCommit)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := kc.Close(ctx); err != nil {
		level.Error(logger).Log("msg", "error closing consumer", "err", err)
	}
}
