// Package conversation tests cover the transition table, the input parsers
// used at each step, and the per-user store.
//
// The parser tests pin the user-facing contract of the connect and
// monitoring flows: which inputs advance a step and which re-prompt.
package conversation

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/treykane/ssh-bot/internal/model"
	"github.com/treykane/ssh-bot/internal/security"
)

func TestParseCredentialsDefaultsPort(t *testing.T) {
	c, err := ParseCredentials("alice host.example.com", 2222)
	if err != nil {
		t.Fatal(err)
	}
	if c.Login != "alice" || c.Host != "host.example.com" || c.Port != 2222 || c.ExplicitPort {
		t.Fatalf("unexpected credentials: %+v", c)
	}

	c, err = ParseCredentials("  alice   host.example.com  2200 ", 2222)
	if err != nil {
		t.Fatal(err)
	}
	if c.Port != 2200 || !c.ExplicitPort {
		t.Fatalf("expected explicit port 2200, got %+v", c)
	}
	if got := c.Profile(); got.Port != 2200 || got.Login != "alice" {
		t.Fatalf("unexpected profile: %+v", got)
	}
}

func TestParseCredentialsRejectsMalformed(t *testing.T) {
	for _, in := range []string{"alice", "", "a b c d", "alice host notaport", "alice host 70000"} {
		_, err := ParseCredentials(in, 2222)
		if err == nil {
			t.Fatalf("expected %q to be rejected", in)
		}
		if security.KindOf(err) != security.KindInput {
			t.Fatalf("expected input error for %q, got %v", in, security.KindOf(err))
		}
	}
}

func TestParseSingleToken(t *testing.T) {
	tok, err := ParseSingleToken("  s3cret\n")
	if err != nil || tok != "s3cret" {
		t.Fatalf("unexpected token %q err=%v", tok, err)
	}
	if _, err := ParseSingleToken("two words"); err == nil {
		t.Fatal("expected two tokens to be rejected")
	}
	if _, err := ParseSingleToken("   "); err == nil {
		t.Fatal("expected blank input to be rejected")
	}
}

func TestCheckMonitoringPath(t *testing.T) {
	allowed := []string{".csv", ".json", ".log", ".txt"}
	for _, ok := range []string{"data.csv", "/var/run/out.JSON", "logs/app.log", "notes.txt"} {
		if err := CheckMonitoringPath(ok, allowed); err != nil {
			t.Fatalf("expected %q to be accepted: %v", ok, err)
		}
	}
	err := CheckMonitoringPath("data.xls", allowed)
	if err == nil {
		t.Fatal("expected data.xls to be rejected")
	}
	want := "Unsupported file format. Supported formats: .csv, .json, .log, .txt"
	if security.UserMessage(err, false) != want {
		t.Fatalf("unexpected message %q", security.UserMessage(err, false))
	}
	if err := CheckMonitoringPath("Makefile", allowed); err == nil {
		t.Fatal("expected extensionless path to be rejected")
	}
}

func TestSelectMetrics(t *testing.T) {
	available := []string{"Value1", "Value2"}
	got := SelectMetrics("Value1, Value2, Bogus", available)
	if !reflect.DeepEqual(got, model.MetricGroup{"Value1", "Value2"}) {
		t.Fatalf("unexpected selection %v", got)
	}
	if got := SelectMetrics("Bogus", available); len(got) != 0 {
		t.Fatalf("expected empty selection, got %v", got)
	}
	if got := SelectMetrics("Value2,Value2 , Value1", available); !reflect.DeepEqual(got, model.MetricGroup{"Value2", "Value1"}) {
		t.Fatalf("expected deduplicated input order, got %v", got)
	}
}

// TestTransitionConnectFlow walks both authentication branches.
func TestTransitionConnectFlow(t *testing.T) {
	steps := []struct {
		ev   Event
		want State
	}{
		{EvConnect, AwaitingCredentials},
		{EvCredentialsAccepted, AwaitingAuthMethodChoice},
		{EvChoseKey, AwaitingPemFile},
		{EvKeyStaged, AwaitingSshDetailsPostPem},
		{EvAuthAttempted, Idle},
		{EvConnect, AwaitingCredentials},
		{EvCredentialsAccepted, AwaitingAuthMethodChoice},
		{EvChosePassword, AwaitingPassword},
		{EvAuthAttempted, Idle},
	}
	s := Idle
	for i, step := range steps {
		next, ok := Transition(s, step.ev)
		if !ok || next != step.want {
			t.Fatalf("step %d: %s on %d gave %s (ok=%v), want %s", i, s, step.ev, next, ok, step.want)
		}
		s = next
	}
}

func TestTransitionMonitoringFlow(t *testing.T) {
	s := Idle
	for _, ev := range []Event{EvAddMonitoring, EvPathAccepted, EvGroupSelected, EvAnotherGroup, EvGroupSelected} {
		var ok bool
		s, ok = Transition(s, ev)
		if !ok {
			t.Fatalf("unexpected rejection of event %d", ev)
		}
	}
	if s != ConfirmingAnotherGroup {
		t.Fatalf("expected confirming, got %s", s)
	}
	s, _ = Transition(s, EvGroupsDone)
	if s != Idle {
		t.Fatalf("expected idle after finishing, got %s", s)
	}
}

// TestTransitionIsTotal checks that every unhandled pair is a no-op rather
// than a jump to some arbitrary state.
func TestTransitionIsTotal(t *testing.T) {
	for s := Idle; s <= WaitingForCommand; s++ {
		for ev := EvReset; ev <= EvInputConsumed; ev++ {
			next, ok := Transition(s, ev)
			if !ok && next != s {
				t.Fatalf("rejected %s/%d must keep state, got %s", s, ev, next)
			}
		}
		if next, _ := Transition(s, EvReset); next != Idle {
			t.Fatalf("reset from %s gave %s", s, next)
		}
	}
	if next, ok := Transition(AwaitingPassword, EvKeyStaged); ok || next != AwaitingPassword {
		t.Fatal("key file while awaiting a password must be rejected")
	}
	if _, ok := Transition(AwaitingCredentials, EvExecute); ok {
		t.Fatal("execute during connect flow must be rejected")
	}
}

func TestStoreResetKeepsProfile(t *testing.T) {
	s := NewStore()
	s.Update(1, func(f *Flow) {
		f.Profile = model.ConnectionProfile{Login: "alice", Host: "h", Port: 2222}
		f.HasProfile = true
		f.KeyPath = "/tmp/k.pem"
		f.Groups = []model.MetricGroup{{"a"}}
	})
	if st, ok := s.Apply(1, EvConnect); !ok || st != AwaitingCredentials {
		t.Fatalf("unexpected apply result %s %v", st, ok)
	}

	prev := s.Reset(1)
	if prev.KeyPath != "/tmp/k.pem" || prev.State != AwaitingCredentials {
		t.Fatalf("reset must return the previous flow, got %+v", prev)
	}
	got := s.Get(1)
	if got.State != Idle || got.KeyPath != "" || len(got.Groups) != 0 {
		t.Fatalf("expected cleared scratch, got %+v", got)
	}
	if !got.HasProfile || got.Profile.Login != "alice" {
		t.Fatal("expected the profile to survive reset")
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Update(1, func(f *Flow) { f.Available = []string{"x"} })
	f := s.Get(1)
	f.Available[0] = "mutated"
	if s.Get(1).Available[0] != "x" {
		t.Fatal("Get must not expose internal slices")
	}
	if s.Get(99).State != Idle {
		t.Fatal("unknown users are idle")
	}
}

// TestStoreLockIsPerUser verifies that a long step for one user does not
// hold up another user, while the same user's steps are serialized.
func TestStoreLockIsPerUser(t *testing.T) {
	s := NewStore()
	unlockA := s.Lock(1)

	done := make(chan struct{})
	go func() {
		unlock := s.Lock(2)
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("user 2 blocked on user 1's lock")
	}

	var mu sync.Mutex
	order := []string{}
	second := make(chan struct{})
	go func() {
		unlock := s.Lock(1)
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		unlock()
		close(second)
	}()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	order = append(order, "first")
	mu.Unlock()
	unlockA()
	<-second

	if !reflect.DeepEqual(order, []string{"first", "second"}) {
		t.Fatalf("expected serialized steps, got %v", order)
	}
}
