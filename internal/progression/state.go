package progression

import (
	"math"
	"strings"
)

const SnapshotVersion = "3"

type Rank string

const (
	RankE              Rank = "E"
	RankD              Rank = "D"
	RankC              Rank = "C"
	RankB              Rank = "B"
	RankA              Rank = "A"
	RankS              Rank = "S"
	RankSS             Rank = "SS"
	RankSSS            Rank = "SSS"
	RankSSSPlus        Rank = "SSS+"
	RankNationalHunter Rank = "NH"
	RankMonarch        Rank = "Monarch"
	RankMonarchPlus    Rank = "Monarch+"
	RankShadowMonarch  Rank = "Shadow Monarch"
)

// Ranks lists every tier from lowest to highest.
var Ranks = []Rank{
	RankE, RankD, RankC, RankB, RankA, RankS, RankSS, RankSSS,
	RankSSSPlus, RankNationalHunter, RankMonarch, RankMonarchPlus, RankShadowMonarch,
}

func (r Rank) Tier() int {
	for i, candidate := range Ranks {
		if strings.EqualFold(string(candidate), strings.TrimSpace(string(r))) {
			return i
		}
	}
	return -1
}

type Stats struct {
	Strength     int64 `json:"strength"`
	Agility      int64 `json:"agility"`
	Intelligence int64 `json:"intelligence"`
	Vitality     int64 `json:"vitality"`
	Perception   int64 `json:"perception"`
}

func (s Stats) Sum() int64 {
	var total int64
	for _, v := range []int64{s.Strength, s.Agility, s.Intelligence, s.Vitality, s.Perception} {
		if v > 0 {
			total += v
		}
	}
	return total
}

type Activity struct {
	MessagesSent    int64    `json:"messagesSent"`
	CharactersTyped int64    `json:"charactersTyped"`
	TimeActive      int64    `json:"timeActive"`
	ChannelsVisited []string `json:"channelsVisited"`
	CritsLanded     int64    `json:"critsLanded"`
}

func (a Activity) IsZero() bool {
	return a.MessagesSent == 0 && a.CharactersTyped == 0 && a.TimeActive == 0 &&
		len(a.ChannelsVisited) == 0 && a.CritsLanded == 0
}

type QuestProgress struct {
	Progress  int64 `json:"progress"`
	Target    int64 `json:"target,omitempty"`
	Completed bool  `json:"completed"`
}

type DailyQuests struct {
	LastReset string                   `json:"lastReset,omitempty"`
	Quests    map[string]QuestProgress `json:"quests"`
}

type Achievements struct {
	Unlocked    []string `json:"unlocked"`
	Titles      []string `json:"titles"`
	ActiveTitle *string  `json:"activeTitle"`
}

type Metadata struct {
	LastSave string `json:"lastSave,omitempty"`
	Version  string `json:"version,omitempty"`
}

// ProgressionState is the persisted record. XP values are float64 so that
// arithmetic from gameplay collaborators which produced a non-finite value is
// still representable in memory and can be rejected by the write guard.
type ProgressionState struct {
	Level        int          `json:"level"`
	XP           float64      `json:"xp"`
	TotalXP      float64      `json:"totalXP"`
	Rank         Rank         `json:"rank"`
	Stats        Stats        `json:"stats"`
	Activity     Activity     `json:"activity"`
	DailyQuests  DailyQuests  `json:"dailyQuests"`
	Achievements Achievements `json:"achievements"`
	Metadata     Metadata     `json:"_metadata"`
}

func DefaultState() *ProgressionState {
	state := &ProgressionState{
		Level: 1,
		Rank:  RankE,
	}
	state.normalize()
	return state
}

func (s *ProgressionState) Clone() *ProgressionState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Activity.ChannelsVisited = append([]string(nil), s.Activity.ChannelsVisited...)
	clone.Achievements.Unlocked = append([]string(nil), s.Achievements.Unlocked...)
	clone.Achievements.Titles = append([]string(nil), s.Achievements.Titles...)
	if s.Achievements.ActiveTitle != nil {
		title := *s.Achievements.ActiveTitle
		clone.Achievements.ActiveTitle = &title
	}
	clone.DailyQuests.Quests = make(map[string]QuestProgress, len(s.DailyQuests.Quests))
	for id, quest := range s.DailyQuests.Quests {
		clone.DailyQuests.Quests[id] = quest
	}
	clone.normalize()
	return &clone
}

func (s *ProgressionState) StatSum() int64 {
	if s == nil {
		return 0
	}
	return s.Stats.Sum()
}

// LooksFresh reports whether the record is indistinguishable from a brand new
// user: level 1, no accumulated XP, no stat growth, no activity and nothing
// unlocked.
func (s *ProgressionState) LooksFresh() bool {
	if s == nil {
		return true
	}
	return s.Level <= 1 &&
		s.TotalXP <= 0 &&
		s.StatSum() == 0 &&
		s.Activity.IsZero() &&
		len(s.Achievements.Unlocked) == 0 &&
		len(s.Achievements.Titles) == 0
}

// RepairTotalXP rebuilds TotalXP from Level and XP when it is missing or
// below what the level curve and the in-level XP account for. It reports
// whether a repair happened.
func (s *ProgressionState) RepairTotalXP() bool {
	if s == nil {
		return false
	}
	want := TotalXPFor(s.Level, s.XP)
	if isFinite(s.TotalXP) && s.TotalXP >= want {
		return false
	}
	s.TotalXP = want
	return true
}

func (s *ProgressionState) normalize() {
	if s.Activity.ChannelsVisited == nil {
		s.Activity.ChannelsVisited = []string{}
	}
	if s.Achievements.Unlocked == nil {
		s.Achievements.Unlocked = []string{}
	}
	if s.Achievements.Titles == nil {
		s.Achievements.Titles = []string{}
	}
	if s.DailyQuests.Quests == nil {
		s.DailyQuests.Quests = map[string]QuestProgress{}
	}
	if strings.TrimSpace(string(s.Rank)) == "" {
		s.Rank = RankE
	}
}

// XPForLevel is the XP needed to advance from level to level+1.
func XPForLevel(level int) float64 {
	if level < 1 {
		return 0
	}
	return math.Round(100 * math.Pow(float64(level), 1.5))
}

// CumulativeXPForLevel is the XP needed to reach level from level 1.
func CumulativeXPForLevel(level int) float64 {
	var total float64
	for l := 1; l < level; l++ {
		total += XPForLevel(l)
	}
	return total
}

func TotalXPFor(level int, xp float64) float64 {
	if !isFinite(xp) || xp < 0 {
		xp = 0
	}
	return CumulativeXPForLevel(level) + xp
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
