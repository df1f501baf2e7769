package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"cofinance/internal/model"
)

func TestJsonlRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "events.jsonl")
	sink := NewJsonlStorage(path)

	events := []model.Event{
		{Seq: 1, EventName: model.EventMint, Actor: "0x1", Decoded: model.TransferData{Token: "0xa", To: "0x2", Amount: "5"}},
		{Seq: 2, Pool: "0xp", EventName: model.EventSwap, Actor: "0x2", Timestamp: 10, Decoded: model.SwapData{AmountIn: "1"}},
	}
	if err := sink.PutEvents(context.Background(), events[:1]); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := sink.PutEvents(context.Background(), events[1:]); err != nil {
		t.Fatalf("put: %v", err)
	}

	var names []string
	err := ReadEvents(path, 1, func(r model.EventRecord) error {
		names = append(names, r.EventName)
		if r.Pool != "0xp" || r.Timestamp != 10 {
			t.Fatalf("record mismatch: %+v", r)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(names, []string{model.EventSwap}) {
		t.Fatalf("names mismatch: %v", names)
	}
}

func TestLastSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if seq, err := LastSeq(path); err != nil || seq != 0 {
		t.Fatalf("missing file: seq=%d err=%v", seq, err)
	}
	sink := NewJsonlStorage(path)
	events := []model.Event{{Seq: 1}, {Seq: 2}, {Seq: 2}, {Seq: 3}}
	if err := sink.PutEvents(context.Background(), events); err != nil {
		t.Fatalf("put: %v", err)
	}
	if seq, err := LastSeq(path); err != nil || seq != 3 {
		t.Fatalf("seq=%d err=%v", seq, err)
	}
	if err := os.WriteFile(path, []byte("{not json\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LastSeq(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestReadEventsStopsOnCallbackError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink := NewJsonlStorage(path)
	_ = sink.PutEvents(context.Background(), []model.Event{{Seq: 1}, {Seq: 2}})

	stop := errors.New("stop")
	calls := 0
	err := ReadEvents(path, 0, func(model.EventRecord) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("callback error not propagated: %v after %d", err, calls)
	}
}

type failingSink struct{ err error }

func (f failingSink) PutEvents(context.Context, []model.Event) error { return f.err }

func TestMultiSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	boom := errors.New("boom")
	sink := MultiSink{NewJsonlStorage(path), nil, failingSink{err: boom}}

	err := sink.PutEvents(context.Background(), []model.Event{{Seq: 1}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("first sink not written: %v", err)
	}
}

func TestSnapshotStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshot.json")
	store := NewSnapshotStore(path, true)

	var got map[string]int
	ok, err := store.Load(&got)
	if err != nil || ok {
		t.Fatalf("empty load mismatch: %v %v", ok, err)
	}

	want := map[string]int{"seq": 7}
	if err := store.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind")
	}
	ok, err = store.Load(&got)
	if err != nil || !ok {
		t.Fatalf("load mismatch: %v %v", ok, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot mismatch: %+v", got)
	}

	disabled := NewSnapshotStore(path, false)
	if ok, _ := disabled.Load(&got); ok {
		t.Fatalf("disabled store loaded a snapshot")
	}
}
