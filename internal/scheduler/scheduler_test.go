package scheduler

import (
	"reflect"
	"testing"

	"github.com/Iron-Ham/conductor/internal/taskgraph"
)

func ids(tasks []taskgraph.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestSelectSchedulable(t *testing.T) {
	tests := []struct {
		name     string
		ready    []taskgraph.Task
		inFlight [][]string
		capacity int
		want     []string
	}{
		{
			name: "disjoint tasks co-schedule",
			ready: []taskgraph.Task{
				{ID: "a", Files: []string{"a.go"}},
				{ID: "b", Files: []string{"b.go"}},
			},
			capacity: 2,
			want:     []string{"a", "b"},
		},
		{
			name: "shared literal path is exclusive",
			ready: []taskgraph.Task{
				{ID: "a", Files: []string{"file.txt"}},
				{ID: "b", Files: []string{"file.txt"}},
			},
			capacity: 2,
			want:     []string{"a"},
		},
		{
			name: "capacity limits the batch",
			ready: []taskgraph.Task{
				{ID: "a", Files: []string{"a.go"}},
				{ID: "b", Files: []string{"b.go"}},
				{ID: "c", Files: []string{"c.go"}},
			},
			capacity: 2,
			want:     []string{"a", "b"},
		},
		{
			name: "priority before id",
			ready: []taskgraph.Task{
				{ID: "a", Files: []string{"x.go"}, Priority: taskgraph.PriorityLow},
				{ID: "b", Files: []string{"x.go"}, Priority: taskgraph.PriorityHigh},
			},
			capacity: 2,
			want:     []string{"b"},
		},
		{
			name: "in-flight touch-set excludes overlap",
			ready: []taskgraph.Task{
				{ID: "a", Files: []string{"pkg/a.go"}},
				{ID: "b", Files: []string{"b.go"}},
			},
			inFlight: [][]string{{"pkg/*.go"}},
			capacity: 4,
			want:     []string{"b"},
		},
		{
			name: "literal vs glob",
			ready: []taskgraph.Task{
				{ID: "a", Files: []string{"src/**"}},
				{ID: "b", Files: []string{"src/deep/x.go"}},
				{ID: "c", Files: []string{"docs/readme.md"}},
			},
			capacity: 3,
			want:     []string{"a", "c"},
		},
		{
			name: "glob vs glob with unrelated prefixes",
			ready: []taskgraph.Task{
				{ID: "a", Files: []string{"api/*.go"}},
				{ID: "b", Files: []string{"web/*.ts"}},
			},
			capacity: 2,
			want:     []string{"a", "b"},
		},
		{
			name: "glob vs glob with nested prefixes",
			ready: []taskgraph.Task{
				{ID: "a", Files: []string{"api/*.go"}},
				{ID: "b", Files: []string{"api/v1/*.go"}},
			},
			capacity: 2,
			want:     []string{"a"},
		},
		{
			name: "empty touch-set is disjoint from everything",
			ready: []taskgraph.Task{
				{ID: "a", Files: []string{"x.go"}},
				{ID: "b"},
			},
			inFlight: [][]string{{"x.go"}},
			capacity: 2,
			want:     []string{"b"},
		},
		{
			name:     "zero capacity",
			ready:    []taskgraph.Task{{ID: "a"}},
			capacity: 0,
			want:     []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(SelectSchedulable(tt.ready, tt.inFlight, tt.capacity))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SelectSchedulable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectSchedulable_PairwiseDisjoint(t *testing.T) {
	ready := []taskgraph.Task{
		{ID: "t1", Files: []string{"a", "b"}},
		{ID: "t2", Files: []string{"b", "c"}},
		{ID: "t3", Files: []string{"c", "d"}},
		{ID: "t4", Files: []string{"d", "e"}},
		{ID: "t5", Files: []string{"f"}},
	}
	got := ids(SelectSchedulable(ready, nil, 10))
	want := []string{"t1", "t3", "t5"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SelectSchedulable() = %v, want %v", got, want)
	}
}

func TestScheduler_Next(t *testing.T) {
	g, err := taskgraph.Build([]taskgraph.Task{
		{ID: "a", Files: []string{"file.txt"}},
		{ID: "b", Files: []string{"file.txt"}},
		{ID: "c", Files: []string{"other.txt"}, DependsOn: []string{"a"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	s := New(g)

	first := ids(s.Next(nil, 2))
	if !reflect.DeepEqual(first, []string{"a"}) {
		t.Fatalf("first round = %v, want [a]", first)
	}
	if err := g.MarkRunning("a"); err != nil {
		t.Fatal(err)
	}

	if got := s.Next([][]string{{"file.txt"}}, 1); len(got) != 0 {
		t.Errorf("round with a in flight = %v, want none", ids(got))
	}

	if _, err := g.MarkCommitted("a"); err != nil {
		t.Fatal(err)
	}
	second := ids(s.Next(nil, 2))
	if !reflect.DeepEqual(second, []string{"b", "c"}) {
		t.Errorf("second round = %v, want [b c]", second)
	}
}

func TestOverlaps(t *testing.T) {
	tasks := []taskgraph.Task{
		{ID: "c", Files: []string{"src/*.go"}},
		{ID: "a", Files: []string{"src/main.go"}},
		{ID: "b", Files: []string{"README.md"}},
	}
	got := Overlaps(tasks)
	want := []Overlap{{A: "a", B: "c"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Overlaps() = %v, want %v", got, want)
	}
}
