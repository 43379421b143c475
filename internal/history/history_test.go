package history

import (
	"fmt"
	"sync"
	"testing"
)

func queries(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Query
	}
	return out
}

func TestPrepend(t *testing.T) {
	tests := []struct {
		name    string
		history []string
		add     string
		limit   int
		want    []string
	}{
		{"empty", nil, "a", 3, []string{"a"}},
		{"newest first", []string{"b", "a"}, "c", 3, []string{"c", "b", "a"}},
		{"capped", []string{"c", "b", "a"}, "d", 3, []string{"d", "c", "b"}},
		{"default limit", nil, "a", 0, []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h []Entry
			for _, q := range tt.history {
				h = append(h, Entry{Query: q})
			}
			got := queries(Prepend(h, Entry{Query: tt.add}, tt.limit))
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("Prepend() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrepend_DefaultLimitCaps(t *testing.T) {
	var h []Entry
	for i := 0; i < 15; i++ {
		h = Prepend(h, Entry{Query: fmt.Sprint(i)}, 0)
	}
	if len(h) != DefaultLimit {
		t.Fatalf("len = %d, want %d", len(h), DefaultLimit)
	}
	if h[0].Query != "14" || h[DefaultLimit-1].Query != "5" {
		t.Errorf("history = %v, want 14..5", queries(h))
	}
}

func TestMemoryStore_GetSet(t *testing.T) {
	store := NewMemoryStore()

	if _, ok := store.Get("s1"); ok {
		t.Error("Get() on unknown session ok = true, want false")
	}

	store.Set("s1", []Entry{{Query: "cats"}})
	got, ok := store.Get("s1")
	if !ok || len(got) != 1 || got[0].Query != "cats" {
		t.Fatalf("Get() = %v, %v; want [cats], true", got, ok)
	}

	// the returned slice is a copy
	got[0].Query = "dogs"
	again, _ := store.Get("s1")
	if again[0].Query != "cats" {
		t.Error("modifying Get() result changed the store")
	}
}

func TestMemoryStore_AddIsolatesSessions(t *testing.T) {
	store := NewMemoryStore()

	store.Add("s1", Entry{Query: "cats"}, 10)
	store.Add("s1", Entry{Query: "dogs"}, 10)
	store.Add("s2", Entry{Query: "birds"}, 10)

	s1, _ := store.Get("s1")
	if fmt.Sprint(queries(s1)) != "[dogs cats]" {
		t.Errorf("s1 = %v, want [dogs cats]", queries(s1))
	}
	s2, _ := store.Get("s2")
	if fmt.Sprint(queries(s2)) != "[birds]" {
		t.Errorf("s2 = %v, want [birds]", queries(s2))
	}
	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
}

func TestMemoryStore_ConcurrentAdd(t *testing.T) {
	store := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.Add("s1", Entry{Query: fmt.Sprint(i)}, 10)
			store.Get("s1")
		}(i)
	}
	wg.Wait()

	got, _ := store.Get("s1")
	if len(got) != 10 {
		t.Errorf("len = %d, want 10", len(got))
	}
}
