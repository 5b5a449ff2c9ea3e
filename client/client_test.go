package client

import (
	"testing"

	"github.com/mkocikowski/kafkaconsumer"
)

func TestUnitGroupsFlatten(t *testing.T) {
	in := []kafkaconsumer.TopicPartition{{Topic: "b", Partition: 1}, {Topic: "a", Partition: 0}, {Topic: "b", Partition: 0}}
	g := Groups(in)
	if len(g) != 2 || len(g["b"]) != 2 {
		t.Fatal(g)
	}
	out := Flatten(g)
	want := []kafkaconsumer.TopicPartition{{Topic: "a", Partition: 0}, {Topic: "b", Partition: 0}, {Topic: "b", Partition: 1}}
	if len(out) != len(want) {
		t.Fatal(out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatal(out)
		}
	}
	if n := len(Flatten(nil)); n != 0 {
		t.Fatal(n)
	}
}

func TestUnitRebalanceKindString(t *testing.T) {
	if s := Revoked.String(); s != "revoked" {
		t.Fatal(s)
	}
}
