package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestAddTurnEvictsOldestBeyondWindow(t *testing.T) {
	m := NewManager(NewInMemoryStore(), "k", 5)
	for i := 1; i <= 7; i++ {
		m.AddTurn(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i), "")
		if got := m.TurnCount(); got > 5 {
			t.Fatalf("TurnCount() = %d after %d adds, want <= 5", got, i)
		}
	}
	turns := m.Turns()
	if len(turns) != 5 {
		t.Fatalf("len(Turns()) = %d, want 5", len(turns))
	}
	if turns[0].UserInput != "q3" || turns[4].UserInput != "q7" {
		t.Fatalf("window = %q..%q, want q3..q7", turns[0].UserInput, turns[4].UserInput)
	}
}

func TestContextForLLMAlternatesInOrder(t *testing.T) {
	m := NewManager(nil, "", 0)
	m.AddTurn("hi", "hello", "")
	m.AddTurn("how are you", "fine", "")

	msgs := m.ContextForLLM()
	want := []LLMMessage{
		{RoleUser, "hi"}, {RoleAssistant, "hello"},
		{RoleUser, "how are you"}, {RoleAssistant, "fine"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("len = %d, want %d", len(msgs), len(want))
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Fatalf("msgs[%d] = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestLastN(t *testing.T) {
	m := NewManager(nil, "", 5)
	m.AddTurn("a", "1", "")
	m.AddTurn("b", "2", "")
	m.AddTurn("c", "3", "")

	if got := m.LastN(2); len(got) != 2 || got[0].UserInput != "b" || got[1].UserInput != "c" {
		t.Fatalf("LastN(2) = %+v", got)
	}
	if got := m.LastN(10); len(got) != 3 {
		t.Fatalf("len(LastN(10)) = %d, want 3", len(got))
	}
	if got := m.LastN(0); got != nil {
		t.Fatalf("LastN(0) = %+v, want nil", got)
	}
}

func TestClearIssuesNewSession(t *testing.T) {
	store := NewInMemoryStore()
	m := NewManager(store, "k", 5)
	m.AddTurn("a", "1", "")
	before := m.SessionID()

	m.Clear()
	if m.TurnCount() != 0 {
		t.Fatalf("TurnCount() = %d, want 0", m.TurnCount())
	}
	if m.SessionID() == before || !strings.HasPrefix(m.SessionID(), "session_") {
		t.Fatalf("SessionID() = %q, want fresh session id", m.SessionID())
	}

	reloaded := NewManager(store, "k", 5)
	if reloaded.TurnCount() != 0 || reloaded.SessionID() != m.SessionID() {
		t.Fatalf("reloaded = %d turns / %q", reloaded.TurnCount(), reloaded.SessionID())
	}
}

func TestManagerHydratesFromStore(t *testing.T) {
	store := NewInMemoryStore()
	m := NewManager(store, "k", 5)
	turn := m.AddTurn("remember me", "ok", "https://example.com/a.wav")

	reloaded := NewManager(store, "k", 5)
	turns := reloaded.Turns()
	if len(turns) != 1 {
		t.Fatalf("len(Turns()) = %d, want 1", len(turns))
	}
	if turns[0].ID != turn.ID || turns[0].AudioURL != turn.AudioURL || !turns[0].Timestamp.Equal(turn.Timestamp) {
		t.Fatalf("hydrated turn = %+v, want %+v", turns[0], turn)
	}
	if reloaded.SessionID() != m.SessionID() {
		t.Fatalf("SessionID() = %q, want %q", reloaded.SessionID(), m.SessionID())
	}
}

func TestManagerIgnoresUnreadableSnapshot(t *testing.T) {
	store := NewInMemoryStore()
	_ = store.Save(context.Background(), "k", []byte("{not json"))

	m := NewManager(store, "k", 5)
	if m.TurnCount() != 0 || m.SessionID() == "" {
		t.Fatalf("manager = %d turns / %q, want empty context", m.TurnCount(), m.SessionID())
	}
}

type failingStore struct{ InMemoryStore }

func (*failingStore) Load(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk gone")
}
func (*failingStore) Save(context.Context, string, []byte) error { return errors.New("disk gone") }

func TestManagerSurvivesStoreFailures(t *testing.T) {
	m := NewManager(&failingStore{}, "k", 2)
	m.AddTurn("a", "1", "")
	if m.TurnCount() != 1 {
		t.Fatalf("TurnCount() = %d, want 1", m.TurnCount())
	}
}

func TestDiscardDeletesSnapshotAndStopsPersisting(t *testing.T) {
	store := NewInMemoryStore()
	m := NewManager(store, "k", 3)
	m.AddTurn("a", "1", "")
	if _, err := store.Load(context.Background(), "k"); err != nil {
		t.Fatalf("Load() before Discard error = %v", err)
	}

	m.Discard()
	m.AddTurn("b", "2", "")
	m.Discard()
	if _, err := store.Load(context.Background(), "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() after Discard error = %v, want ErrNotFound", err)
	}
	if m.TurnCount() != 2 {
		t.Fatalf("TurnCount() = %d, want 2", m.TurnCount())
	}
}

func TestExportJSONRoundTrip(t *testing.T) {
	src := NewManager(nil, "src", 5)
	src.AddTurn("one", "uno", "")
	src.AddTurn("two", "dos", "")

	doc, err := src.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON() error = %v", err)
	}

	dst := NewManager(nil, "dst", 5)
	if err := dst.ImportJSON(doc); err != nil {
		t.Fatalf("ImportJSON() error = %v", err)
	}
	got, want := dst.Turns(), src.Turns()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].UserInput != want[i].UserInput ||
			got[i].AssistantResponse != want[i].AssistantResponse || !got[i].Timestamp.Equal(want[i].Timestamp) {
			t.Fatalf("turn %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if dst.SessionID() != src.SessionID() {
		t.Fatalf("SessionID() = %q, want %q", dst.SessionID(), src.SessionID())
	}

	if err := dst.ImportJSON("nope"); err == nil {
		t.Fatalf("expected import error")
	}
}

func TestImportJSONAppliesWindow(t *testing.T) {
	src := NewManager(nil, "src", 10)
	for i := 0; i < 8; i++ {
		src.AddTurn(fmt.Sprint(i), "", "")
	}
	doc, _ := src.ExportJSON()

	dst := NewManager(nil, "dst", 3)
	if err := dst.ImportJSON(doc); err != nil {
		t.Fatalf("ImportJSON() error = %v", err)
	}
	if got := dst.Turns(); len(got) != 3 || got[0].UserInput != "5" {
		t.Fatalf("window = %+v", got)
	}
}

func TestExportTextFormat(t *testing.T) {
	m := NewManager(nil, "", 5)
	m.AddTurn("hi", "hello", "")
	m.AddTurn("bye", "later", "")

	text := m.ExportText()
	blocks := strings.Split(text, "\n---\n\n")
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2: %q", len(blocks), text)
	}
	if !strings.HasPrefix(blocks[0], "[") || !strings.HasSuffix(blocks[0], "]\nUser: hi\nAssistant: hello\n") {
		t.Fatalf("block[0] = %q", blocks[0])
	}
	stamp := strings.TrimPrefix(strings.SplitN(blocks[1], "]", 2)[0], "[")
	if _, err := time.ParseInLocation(textTimeLayout, stamp, time.Local); err != nil {
		t.Fatalf("timestamp %q: %v", stamp, err)
	}
}
