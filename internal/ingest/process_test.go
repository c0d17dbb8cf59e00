package ingest

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// collectingConsumer records every delivery in order.
type collectingConsumer struct {
	batches []Batch
	fail    func(startIndex int) error
}

func (c *collectingConsumer) handle(ctx context.Context, records []Record, startIndex int) error {
	copied := make([]Record, len(records))
	copy(copied, records)
	c.batches = append(c.batches, Batch{Records: copied, StartIndex: startIndex})
	if c.fail != nil {
		return c.fail(startIndex)
	}
	return nil
}

func (c *collectingConsumer) allRecords() []Record {
	var out []Record
	for _, b := range c.batches {
		out = append(out, b.Records...)
	}
	return out
}

func TestProcess_HeaderSkipAndRemap(t *testing.T) {
	data := "id,name\n1,Ann\n2,Bo\n"
	assignments := FieldAssignments{"id": Column(0), "name": Column(1)}

	cons := &collectingConsumer{}
	var deltas []int
	err := Process(context.Background(), Input{Name: "people.csv", Resource: []byte(data)}, Options{},
		assignments, true,
		func(d int) { deltas = append(deltas, d) },
		cons.handle,
	)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	want := []Record{
		{"id": "1", "name": "Ann"},
		{"id": "2", "name": "Bo"},
	}
	if got := cons.allRecords(); !reflect.DeepEqual(got, want) {
		t.Errorf("records = %v, want %v", got, want)
	}
	if len(cons.batches) == 0 || cons.batches[0].StartIndex != 0 {
		t.Errorf("first batch start = %v, want 0", cons.batches)
	}

	var total int
	for _, d := range deltas {
		total += d
	}
	if total != 2 {
		t.Errorf("progress total = %d, want 2 (header row not counted)", total)
	}
}

func TestProcess_StartIndexContiguous(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 50; i++ {
		sb.WriteString("cell,value\n")
	}

	cons := &collectingConsumer{}
	err := Process(context.Background(), Input{Name: "many.csv", Resource: []byte(sb.String())},
		Options{ChunkSize: 1}, // tiny budget forces multiple batches
		FieldAssignments{"cell": Column(0)}, false,
		nil, cons.handle,
	)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	next := 0
	for i, b := range cons.batches {
		if b.StartIndex != next {
			t.Fatalf("batch %d start = %d, want %d", i, b.StartIndex, next)
		}
		next += len(b.Records)
	}
	if next != 50 {
		t.Errorf("total records = %d, want 50", next)
	}
}

func TestProcess_UnassignedAndShortRows(t *testing.T) {
	data := "a,b\nc\n"
	assignments := FieldAssignments{
		"first":    Column(0),
		"second":   Column(1),
		"declared": {}, // intentionally unassigned
	}

	cons := &collectingConsumer{}
	err := Process(context.Background(), Input{Name: "short.csv", Resource: []byte(data)}, Options{},
		assignments, false, nil, cons.handle)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	records := cons.allRecords()
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if !reflect.DeepEqual(records[0], Record{"first": "a", "second": "b"}) {
		t.Errorf("records[0] = %v", records[0])
	}
	// Row 2 is shorter than the "second" index: the field must be absent,
	// not empty.
	if !reflect.DeepEqual(records[1], Record{"first": "c"}) {
		t.Errorf("records[1] = %v, want only the populated field", records[1])
	}
	for i, rec := range records {
		if _, ok := rec["declared"]; ok {
			t.Errorf("records[%d] populated an unassigned field", i)
		}
	}
}

func TestProcess_DuplicateColumnAssignment(t *testing.T) {
	data := "x,y\n"
	assignments := FieldAssignments{"a": Column(0), "b": Column(0)}

	cons := &collectingConsumer{}
	err := Process(context.Background(), Input{Name: "dup.csv", Resource: []byte(data)}, Options{},
		assignments, false, nil, cons.handle)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	want := []Record{{"a": "x", "b": "x"}}
	if got := cons.allRecords(); !reflect.DeepEqual(got, want) {
		t.Errorf("records = %v, want %v (same column may feed several fields)", got, want)
	}
}

func TestProcess_BOMBeforeHeaderDrop(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		hasHeaders bool
		want       []Record
	}{
		{
			"no header keeps stripped first row",
			"\uFEFFa,b\nc,d\n", false,
			[]Record{{"v": "a"}, {"v": "c"}},
		},
		{
			"header dropped after strip",
			"\uFEFFid,name\n1,Ann\n", true,
			[]Record{{"v": "1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cons := &collectingConsumer{}
			err := Process(context.Background(), Input{Name: "bom.csv", Resource: []byte(tt.data)}, Options{},
				FieldAssignments{"v": Column(0)}, tt.hasHeaders, nil, cons.handle)
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if got := cons.allRecords(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("records = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProcess_EmptyFile(t *testing.T) {
	cons := &collectingConsumer{}
	progressCalls := 0
	err := Process(context.Background(), Input{Name: "empty.csv", Resource: []byte("")}, Options{},
		FieldAssignments{"v": Column(0)}, false,
		func(int) { progressCalls++ }, cons.handle)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(cons.batches) != 0 {
		t.Errorf("batches = %d, want 0", len(cons.batches))
	}
	if progressCalls != 0 {
		t.Errorf("progress calls = %d, want 0", progressCalls)
	}
}

func TestProcess_UnsupportedResource(t *testing.T) {
	err := Process(context.Background(), Input{Name: "bad", Resource: 42}, Options{},
		FieldAssignments{"v": Column(0)}, false, nil,
		func(context.Context, []Record, int) error { return nil })
	if err == nil {
		t.Fatal("Process() expected error for unsupported resource")
	}
}

func TestProcess_SingleDeliveryInFlight(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 30; i++ {
		sb.WriteString("row,data\n")
	}

	var inFlight, maxInFlight int32
	err := Process(context.Background(), Input{Name: "bp.csv", Resource: []byte(sb.String())},
		Options{ChunkSize: 1},
		FieldAssignments{"v": Column(0)}, false, nil,
		func(ctx context.Context, records []Record, startIndex int) error {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("max concurrent deliveries = %d, want 1", got)
	}
}

func TestProcess_ProgressBeforeConsumer(t *testing.T) {
	var events []string
	err := Process(context.Background(), Input{Name: "order.csv", Resource: []byte("a\nb\n")},
		Options{ChunkSize: 1},
		FieldAssignments{"v": Column(0)}, false,
		func(d int) { events = append(events, "progress") },
		func(ctx context.Context, records []Record, startIndex int) error {
			events = append(events, "batch")
			return nil
		})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	for i := 0; i+1 < len(events); i += 2 {
		if events[i] != "progress" || events[i+1] != "batch" {
			t.Fatalf("events = %v, want progress before each batch", events)
		}
	}
}

func TestProcess_ConsumerErrorsCollected(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		sb.WriteString("row\n")
	}

	sinkErr := errors.New("sink unavailable")
	cons := &collectingConsumer{
		fail: func(startIndex int) error {
			if startIndex == 0 {
				return sinkErr
			}
			return nil
		},
	}

	err := Process(context.Background(), Input{Name: "flaky.csv", Resource: []byte(sb.String())},
		Options{ChunkSize: 1},
		FieldAssignments{"v": Column(0)}, false, nil, cons.handle)
	if err == nil {
		t.Fatal("Process() expected collected consumer error")
	}
	if !errors.Is(err, sinkErr) {
		t.Errorf("error = %v, want wrapped %v", err, sinkErr)
	}

	// The failing first delivery must not stop later ones.
	if got := len(cons.allRecords()); got != 10 {
		t.Errorf("records delivered = %d, want 10", got)
	}
}

func TestProcess_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Process(ctx, Input{Name: "c.csv", Resource: []byte("a\nb\n")}, Options{},
		FieldAssignments{"v": Column(0)}, false, nil,
		func(context.Context, []Record, int) error { return nil })
	if err == nil {
		t.Fatal("Process() expected error for cancelled context")
	}
}
