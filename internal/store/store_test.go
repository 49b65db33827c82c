package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronocal/internal/model"
)

func event(provider, id, title string, start time.Time) model.Event {
	return model.Event{
		Key:      model.NewKey(provider, id),
		Provider: provider,
		NativeID: id,
		Title:    title,
		Start:    start,
		End:      start.Add(30 * time.Minute),
	}
}

func keys(events []model.Event) []model.Key {
	out := make([]model.Key, len(events))
	for i, ev := range events {
		out[i] = ev.Key
	}
	return out
}

func TestReplace_InitialLoadIsAllAdded(t *testing.T) {
	s := New()
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	diff := s.Replace([]model.Event{
		event("google", "b", "B", base.Add(time.Hour)),
		event("google", "a", "A", base),
	})

	assert.Len(t, diff.Added, 2)
	assert.Empty(t, diff.Removed)
	assert.Empty(t, diff.Changed)
	assert.Equal(t, 2, s.Len())
}

func TestTimeline_OrderedByStartThenKey(t *testing.T) {
	s := New()
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	s.Replace([]model.Event{
		event("zoho", "x", "Later", base.Add(2*time.Hour)),
		event("google", "b", "Tie B", base),
		event("google", "a", "Tie A", base),
		event("caldav", "c", "Middle", base.Add(time.Hour)),
	})

	assert.Equal(t, []model.Key{
		"google:a", "google:b", "caldav:c", "zoho:x",
	}, keys(s.Timeline()))
}

func TestReplace_ClassifiesAddedRemovedChanged(t *testing.T) {
	s := New()
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	s.Replace([]model.Event{
		event("google", "keep", "Keep", base),
		event("google", "move", "Move", base.Add(time.Hour)),
		event("google", "gone", "Gone", base.Add(2*time.Hour)),
	})

	moved := event("google", "move", "Move", base.Add(90*time.Minute))
	diff := s.Replace([]model.Event{
		event("google", "keep", "Keep", base),
		moved,
		event("zoho", "new", "New", base.Add(3*time.Hour)),
	})

	require.Len(t, diff.Added, 1)
	assert.Equal(t, model.Key("zoho:new"), diff.Added[0].Key)
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, model.Key("google:gone"), diff.Removed[0].Key)
	require.Len(t, diff.Changed, 1)
	assert.Equal(t, base.Add(time.Hour), diff.Changed[0].Old.Start)
	assert.Equal(t, moved.Start, diff.Changed[0].New.Start)
}

func TestReplace_AttendeeOnlyChangeIsNotChanged(t *testing.T) {
	s := New()
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	ev := event("google", "a", "A", base)
	s.Replace([]model.Event{ev})

	ev.Attendees = []string{"bob@example.com"}
	diff := s.Replace([]model.Event{ev})

	assert.True(t, diff.Empty())
	got, ok := s.Get(ev.Key)
	require.True(t, ok)
	assert.Equal(t, []string{"bob@example.com"}, got.Attendees, "store still holds the latest version")
}

func TestReplace_DuplicateKeyLastWins(t *testing.T) {
	s := New()
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	s.Replace([]model.Event{
		event("google", "a", "first", base),
		event("google", "a", "second", base),
	})

	tl := s.Timeline()
	require.Len(t, tl, 1)
	assert.Equal(t, "second", tl[0].Title)
}

func TestTimeline_SnapshotIsIsolated(t *testing.T) {
	s := New()
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	ev := event("google", "a", "A", base)
	ev.Attendees = []string{"alice"}
	s.Replace([]model.Event{ev})

	snap := s.Timeline()
	snap[0].Attendees[0] = "mallory"
	snap[0].Title = "mutated"

	got, _ := s.Get(ev.Key)
	assert.Equal(t, "A", got.Title)
	assert.Equal(t, []string{"alice"}, got.Attendees)
}

func TestNext(t *testing.T) {
	s := New()
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	s.Replace([]model.Event{
		event("google", "a", "A", base),
		event("google", "b", "B", base.Add(time.Hour)),
	})

	next, ok := s.Next(base.Add(-time.Minute))
	require.True(t, ok)
	assert.Equal(t, "A", next.Title)

	next, ok = s.Next(base)
	require.True(t, ok)
	assert.Equal(t, "B", next.Title)

	_, ok = s.Next(base.Add(2 * time.Hour))
	assert.False(t, ok)
}

func TestConcurrentReadersNeverSeePartialTimeline(t *testing.T) {
	s := New()
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	small := []model.Event{event("google", "a", "A", base)}
	large := make([]model.Event, 0, 50)
	for i := 0; i < 50; i++ {
		large = append(large, event("google", string(rune('a'+i%26))+time.Duration(i).String(), "E", base.Add(time.Duration(i)*time.Minute)))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			n := len(s.Timeline())
			if n != 0 && n != 1 && n != 50 {
				t.Errorf("observed partial timeline of %d events", n)
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			s.Replace(small)
		} else {
			s.Replace(large)
		}
	}
	close(stop)
	wg.Wait()
}
