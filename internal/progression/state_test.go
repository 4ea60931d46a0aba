package progression

import (
	"math"
	"testing"
)

func TestXPCurve(t *testing.T) {
	cases := map[int]float64{0: 0, 1: 100, 2: 283, 3: 520, 4: 800}
	for level, want := range cases {
		if got := XPForLevel(level); got != want {
			t.Fatalf("XPForLevel(%d) = %v, want %v", level, got, want)
		}
	}
	if got := CumulativeXPForLevel(1); got != 0 {
		t.Fatalf("expected level 1 to need no cumulative xp, got %v", got)
	}
	if got := CumulativeXPForLevel(3); got != 383 {
		t.Fatalf("expected cumulative xp 383 for level 3, got %v", got)
	}
	if got := TotalXPFor(5, 12); got != 1715 {
		t.Fatalf("expected total xp 1715 for level 5 + 12, got %v", got)
	}
}

func TestRepairTotalXP(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1), -5, 10} {
		state := progressAt(5, 10)
		state.XP = 40
		state.TotalXP = bad
		if !state.RepairTotalXP() {
			t.Fatalf("expected repair for totalXP=%v", bad)
		}
		if state.TotalXP != 1743 {
			t.Fatalf("expected repaired totalXP 1743, got %v", state.TotalXP)
		}
	}

	healthy := progressAt(5, 10)
	healthy.TotalXP = 5000
	if healthy.RepairTotalXP() {
		t.Fatalf("did not expect repair of consistent totalXP")
	}
	if healthy.TotalXP != 5000 {
		t.Fatalf("expected totalXP to be untouched, got %v", healthy.TotalXP)
	}
}

func TestRepairTotalXPCountsInLevelXP(t *testing.T) {
	cases := []struct {
		level   int
		xp      float64
		totalXP float64
		want    float64
	}{
		{level: 1, xp: 80, totalXP: 0, want: 80},
		{level: 5, xp: 40, totalXP: 1710, want: 1743},
		{level: 1, xp: 0, totalXP: 0, want: 0},
	}
	for _, tc := range cases {
		state := DefaultState()
		state.Level = tc.level
		state.XP = tc.xp
		state.TotalXP = tc.totalXP
		state.RepairTotalXP()
		if state.TotalXP != tc.want {
			t.Fatalf("level %d xp %v totalXP %v: got %v, want %v", tc.level, tc.xp, tc.totalXP, state.TotalXP, tc.want)
		}
	}
}

func TestRepairTotalXPIgnoresNonFiniteXP(t *testing.T) {
	state := progressAt(3, 1)
	state.XP = math.NaN()
	state.TotalXP = math.NaN()
	state.RepairTotalXP()
	if state.TotalXP != 383 {
		t.Fatalf("expected totalXP to fall back to the level floor, got %v", state.TotalXP)
	}
}

func TestLooksFresh(t *testing.T) {
	if !DefaultState().LooksFresh() {
		t.Fatalf("expected default state to look fresh")
	}
	var nilState *ProgressionState
	if !nilState.LooksFresh() {
		t.Fatalf("expected nil state to look fresh")
	}

	chatted := DefaultState()
	chatted.Activity.MessagesSent = 1
	if chatted.LooksFresh() {
		t.Fatalf("expected activity to count as progress")
	}

	titled := DefaultState()
	titled.Achievements.Titles = []string{"Wolf Slayer"}
	if titled.LooksFresh() {
		t.Fatalf("expected a title to count as progress")
	}
}

func TestCloneIsDeep(t *testing.T) {
	title := "Shadow"
	original := progressAt(12, 3)
	original.Activity.ChannelsVisited = []string{"general"}
	original.Achievements.ActiveTitle = &title
	original.DailyQuests.Quests["messages"] = QuestProgress{Progress: 3, Target: 10}

	clone := original.Clone()
	clone.Activity.ChannelsVisited[0] = "random"
	*clone.Achievements.ActiveTitle = "Hunter"
	clone.DailyQuests.Quests["messages"] = QuestProgress{Progress: 9}
	clone.Stats.Strength = 99

	if original.Activity.ChannelsVisited[0] != "general" {
		t.Fatalf("clone shares channel slice")
	}
	if *original.Achievements.ActiveTitle != "Shadow" {
		t.Fatalf("clone shares active title")
	}
	if original.DailyQuests.Quests["messages"].Progress != 3 {
		t.Fatalf("clone shares quest map")
	}
	if original.Stats.Strength != 3 {
		t.Fatalf("clone shares stats")
	}
}

func TestStatSumIgnoresNegativeStats(t *testing.T) {
	stats := Stats{Strength: 10, Agility: -50, Perception: 5}
	if got := stats.Sum(); got != 15 {
		t.Fatalf("expected stat sum 15, got %d", got)
	}
}

func TestRankTier(t *testing.T) {
	if RankE.Tier() != 0 {
		t.Fatalf("expected E to be the lowest tier")
	}
	if RankShadowMonarch.Tier() != len(Ranks)-1 {
		t.Fatalf("expected Shadow Monarch to be the highest tier")
	}
	if Rank("sss+").Tier() != RankSSSPlus.Tier() {
		t.Fatalf("expected rank lookup to ignore case")
	}
	if Rank("Z").Tier() != -1 {
		t.Fatalf("expected unknown rank to have tier -1")
	}
}
