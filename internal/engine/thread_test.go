package engine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/recapd/recapd/internal/model"
)

func reply(id string, ts time.Time, parent string) model.Message {
	m := mkMsg(id, ts, "text of "+id)
	m.ReplyToID = parent
	return m
}

func TestResolveThreadsGroupsByRoot(t *testing.T) {
	// Two top-level threads; replies interleaved in time across them.
	msgs := []model.Message{
		mkMsg("A", at(25, 9), "root A"),
		mkMsg("B", at(25, 10), "root B"),
		reply("A1", at(25, 11), "A"),
		reply("B1", at(25, 12), "B"),
		reply("A2", at(25, 13), "A1"), // nested: reply to a reply
	}

	got := ResolveThreads(msgs, nil)

	want := []string{"A", "A1", "A2", "B", "B1"}
	if diff := cmp.Diff(want, messageIDs(got)); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}

	roots := map[string]string{}
	for _, m := range got {
		roots[m.ID] = m.ThreadRootID
	}
	for id, wantRoot := range map[string]string{
		"A": "A", "A1": "A", "A2": "A", "B": "B", "B1": "B",
	} {
		if roots[id] != wantRoot {
			t.Errorf("ThreadRootID[%s] = %q, want %q", id, roots[id], wantRoot)
		}
	}
}

func TestResolveThreadsOrphansAppendedAfterTopLevel(t *testing.T) {
	msgs := []model.Message{
		reply("X", at(25, 8), "missing-parent"), // earlier than every top-level message
		mkMsg("A", at(25, 9), "root A"),
		reply("A1", at(25, 10), "A"),
	}

	got := ResolveThreads(msgs, nil)

	want := []string{"A", "A1", "X"}
	if diff := cmp.Diff(want, messageIDs(got)); diff != "" {
		t.Errorf("orphan must trail top-level threads (-want +got):\n%s", diff)
	}

	for _, m := range got {
		if m.ID == "X" && m.ThreadRootID != "X" {
			t.Errorf("orphan root = %q, want synthetic self root", m.ThreadRootID)
		}
	}
}

func TestResolveThreadsOrphanedSubtreeStaysTogether(t *testing.T) {
	// X's parent is outside the window; Y replies to X. Both group under
	// X as the synthetic local root.
	msgs := []model.Message{
		mkMsg("A", at(25, 9), "root A"),
		reply("X", at(25, 10), "gone"),
		reply("Y", at(25, 11), "X"),
	}

	got := ResolveThreads(msgs, nil)

	want := []string{"A", "X", "Y"}
	if diff := cmp.Diff(want, messageIDs(got)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	for _, m := range got {
		if m.ID == "Y" && m.ThreadRootID != "X" {
			t.Errorf("Y root = %q, want X", m.ThreadRootID)
		}
	}
}

func TestResolveThreadsBreaksCycles(t *testing.T) {
	msgs := []model.Message{
		reply("P", at(25, 9), "Q"),
		reply("Q", at(25, 10), "P"),
		mkMsg("A", at(25, 11), "healthy root"),
	}

	got := ResolveThreads(msgs, nil)

	if len(got) != 3 {
		t.Fatalf("cycle members lost: got %v", messageIDs(got))
	}
	seen := map[string]int{}
	for _, m := range got {
		seen[m.ID]++
	}
	for _, id := range []string{"P", "Q", "A"} {
		if seen[id] != 1 {
			t.Errorf("message %s appears %d times, want 1", id, seen[id])
		}
	}
}

func TestResolveThreadsDeterministicAcrossInputOrder(t *testing.T) {
	base := []model.Message{
		mkMsg("A", at(25, 9), "root A"),
		mkMsg("B", at(25, 9), "tied root, later ID"),
		reply("A1", at(25, 11), "A"),
		reply("B1", at(25, 10), "B"),
		reply("X", at(25, 12), "outside"),
	}

	want := ResolveThreads(append([]model.Message(nil), base...), nil)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		shuffled := append([]model.Message(nil), base...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got := ResolveThreads(shuffled, nil)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("output depends on input order (-want +got):\n%s", diff)
		}
	}
}

func TestResolveThreadsEmptyInput(t *testing.T) {
	if got := ResolveThreads(nil, nil); len(got) != 0 {
		t.Errorf("got %d messages from empty input", len(got))
	}
}
