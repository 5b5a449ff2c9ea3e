/*
Package kafkaconsumer implements the consumer side of a Kafka client: subscription strategy,
fetch position tracking, and the offset commit protocol, on top of franz-go or libkafka.

The package itself holds the types shared by the sub packages (TopicPartition, Offsets, Record)
and the error kinds. Start with the conf package to build a Conf, then create a Consumer with
consumer.New. See cmd/consumer for an example program.

A Consumer is owned by a single goroutine. All of its methods except Wakeup and Close must be
called from that goroutine. There are no locks protecting consumer state: concurrent use is a
programming error which is detected on a best effort basis (ErrConcurrentAccess) and not
otherwise guarded against.
*/
package kafkaconsumer
