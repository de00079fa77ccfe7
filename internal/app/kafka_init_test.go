package app

import (
	"reflect"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSplitBrokerList(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want []string
	}{
		"empty":        {raw: "", want: nil},
		"blank chunks": {raw: " , ,", want: nil},
		"single":       {raw: "kafka:9092", want: []string{"kafka:9092"}},
		"spaced list":  {raw: "kafka-1:9092, kafka-2:9092 ,kafka-3:9092", want: []string{"kafka-1:9092", "kafka-2:9092", "kafka-3:9092"}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := splitBrokerList(tc.raw); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("splitBrokerList(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestInitKafkaProducer(t *testing.T) {
	logger := log.WithField("test", "kafka-init")

	t.Run("no brokers disables kafka", func(t *testing.T) {
		for _, raw := range []string{"", "  ", " , "} {
			producer, err := initKafkaProducer(raw, logger)
			if err != nil {
				t.Fatalf("brokers %q: unexpected error %v", raw, err)
			}
			if producer != nil {
				t.Fatalf("brokers %q: expected nil producer", raw)
			}
		}
	})

	t.Run("unreachable brokers return error", func(t *testing.T) {
		producer, err := initKafkaProducer("unreachable-broker:9999", logger)
		if err == nil {
			t.Fatal("expected error for unreachable broker")
		}
		if producer != nil {
			t.Fatal("expected nil producer on error")
		}
	})
}

func TestCloseKafka(t *testing.T) {
	logger := log.WithField("test", "kafka-close")

	// nil producer не должен приводить к панике
	closeKafka(nil, logger)

	producer, _ := initKafkaProducer("unreachable-broker:9999", logger)
	closeKafka(producer, logger)
}
