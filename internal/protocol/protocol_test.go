package protocol

import "testing"

func TestTracker_AdvancesOncePerSignal(t *testing.T) {
	tr := New(Config{})

	script := []struct {
		user string
		want Phase
	}{
		{"My problem is that I keep missing deadlines.", PhaseCrux},
		{"I think it's because I say yes to everything.", PhaseAction},
		{"I'll block two hours every morning for deep work.", PhaseDone},
	}
	for i, step := range script {
		obs := tr.Observe(step.user, "ok")
		if !obs.Advanced() {
			t.Fatalf("step %d did not advance", i)
		}
		if obs.To != step.want {
			t.Fatalf("step %d: phase = %s, want %s", i, obs.To, step.want)
		}
		if obs.From.Next() != obs.To {
			t.Fatalf("step %d skipped a phase: %s -> %s", i, obs.From, obs.To)
		}
	}

	s := tr.State()
	if s.Artifacts.Problem != "My problem is that I keep missing deadlines." {
		t.Errorf("problem artifact = %q", s.Artifacts.Problem)
	}
	if s.Artifacts.Crux == "" || s.Artifacts.Action == "" {
		t.Errorf("expected crux and action captured: %+v", s.Artifacts)
	}
	if s.ExchangeCount != 3 {
		t.Errorf("exchange count = %d, want 3", s.ExchangeCount)
	}
}

func TestTracker_NeverSkipsWithoutFastForward(t *testing.T) {
	tr := New(Config{})
	// Carries problem, crux and action markers at once.
	obs := tr.Observe("My problem is procrastination because I fear failure, so I'll start small.", "")
	if obs.To != PhaseCrux {
		t.Errorf("expected exactly one step, got %s", obs.To)
	}
}

func TestTracker_FastForward(t *testing.T) {
	tr := New(Config{})
	obs := tr.Observe("Let's skip ahead: my problem is sleep, because of late screens. I'll stop at 10pm.", "")
	if !obs.FastForward {
		t.Fatal("expected fast-forward detected")
	}
	if obs.To != PhaseDone {
		t.Errorf("expected fast-forward to done, got %s", obs.To)
	}
	if len(obs.Captured) != 3 {
		t.Errorf("expected 3 artifacts captured, got %v", obs.Captured)
	}
}

func TestTracker_FastForwardStopsAtMissingSignal(t *testing.T) {
	tr := New(Config{})
	obs := tr.Observe("fast-forward please, my problem is focus", "")
	if obs.To != PhaseCrux {
		t.Errorf("expected to stop at crux, got %s", obs.To)
	}
}

func TestTracker_StallProducesOneNudge(t *testing.T) {
	tr := New(Config{})

	if obs := tr.Observe("hello", "hi"); obs.NudgeQueued || !obs.Stalled {
		t.Fatalf("first stall should not nudge: %+v", obs)
	}
	if tr.ConsumeNudge() != "" {
		t.Fatal("no nudge expected after one stall")
	}
	obs := tr.Observe("nice weather", "indeed")
	if !obs.NudgeQueued {
		t.Fatal("second stall should queue a nudge")
	}
	if !tr.State().NudgePending {
		t.Error("state should report pending nudge")
	}

	n := tr.ConsumeNudge()
	if n == "" {
		t.Fatal("expected nudge")
	}
	if again := tr.ConsumeNudge(); again != "" {
		t.Errorf("nudge should be consumed once, got %q", again)
	}
	if tr.State().Stalls != 0 {
		t.Errorf("stall counter should reset after nudge, got %d", tr.State().Stalls)
	}
}

func TestTracker_AdvanceResetsStalls(t *testing.T) {
	tr := New(Config{StallThreshold: 3})
	tr.Observe("hello", "")
	tr.Observe("hmm", "")
	if tr.State().Stalls != 2 {
		t.Fatalf("stalls = %d", tr.State().Stalls)
	}
	tr.Observe("I'm stuck on my thesis", "")
	if s := tr.State(); s.Stalls != 0 || s.Phase != PhaseCrux {
		t.Errorf("unexpected state after advance: %+v", s)
	}
}

func TestTracker_DoneOnlyCounts(t *testing.T) {
	tr := New(Config{})
	tr.Observe("skip ahead, problem: x because y, I'll do z", "")
	if tr.State().Phase != PhaseDone {
		t.Fatal("setup failed")
	}
	for i := 0; i < 5; i++ {
		obs := tr.Observe("anything", "")
		if obs.Stalled || obs.NudgeQueued {
			t.Fatal("done phase must not stall")
		}
	}
	if s := tr.State(); s.ExchangeCount != 6 || s.NudgePending {
		t.Errorf("unexpected state: %+v", s)
	}
}

func TestTracker_StateIsCopy(t *testing.T) {
	tr := New(Config{})
	tr.Observe("the problem is money", "")
	s := tr.State()
	s.Phase = PhaseProblem
	s.Artifacts.Problem = "changed"
	if got := tr.State(); got.Phase != PhaseCrux || got.Artifacts.Problem == "changed" {
		t.Errorf("state mutated through copy: %+v", got)
	}
}

func TestSentenceAround(t *testing.T) {
	got := sentenceAround("Hi there. My problem is sleep! Thanks", "problem")
	if got != "My problem is sleep!" {
		t.Errorf("sentenceAround = %q", got)
	}
}

func TestPhaseNext(t *testing.T) {
	if PhaseProblem.Next() != PhaseCrux || PhaseAction.Next() != PhaseDone || PhaseDone.Next() != PhaseDone {
		t.Error("unexpected phase order")
	}
}
