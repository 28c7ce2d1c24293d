package types

import (
	"reflect"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestSearchConfigRoundTripsUnknownFields(t *testing.T) {
	begin := int64(100)
	cfg := &SearchConfig{
		BeginTimestamp: &begin,
		ReducerHost:    "reducer-1",
		Extra: map[string]interface{}{
			"path_filter": "*.log",
			"tags":        []interface{}{"a", "b"},
		},
	}

	blob, err := msgpack.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got SearchConfig
	if err := msgpack.Unmarshal(blob, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.BeginTimestamp == nil || *got.BeginTimestamp != begin {
		t.Fatalf("BeginTimestamp lost: %+v", got)
	}
	if got.ReducerHost != "reducer-1" {
		t.Fatalf("ReducerHost lost: %+v", got)
	}
	if !reflect.DeepEqual(got.Extra["path_filter"], "*.log") {
		t.Fatalf("path_filter lost: %+v", got.Extra)
	}
	if _, ok := got.Extra["tags"]; !ok {
		t.Fatalf("tags lost: %+v", got.Extra)
	}

	// Decoded fields must survive a second round trip.
	blob2, err := msgpack.Marshal(&got)
	if err != nil {
		t.Fatalf("Marshal (2nd): %v", err)
	}
	var got2 SearchConfig
	if err := msgpack.Unmarshal(blob2, &got2); err != nil {
		t.Fatalf("Unmarshal (2nd): %v", err)
	}
	if got2.BeginTimestamp == nil || *got2.BeginTimestamp != begin {
		t.Fatalf("BeginTimestamp not stable across round trip: %+v", got2)
	}
}

func TestRequiresReducer(t *testing.T) {
	zero := int64(0)
	if (&SearchConfig{}).RequiresReducer() {
		t.Fatal("no Count should not require a reducer")
	}
	if !(&SearchConfig{Count: &zero}).RequiresReducer() {
		t.Fatal("present zero Count should still require a reducer")
	}
}
