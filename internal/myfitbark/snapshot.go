package myfitbark

import "time"

// GoalChange is one scheduled daily goal, effective from Date on.
type GoalChange struct {
	Date time.Time `json:"date"`
	Goal int       `json:"goal"`
}

// PeerStats holds the similar-dogs averages for one dog.
type PeerStats struct {
	ThisAverageDailyActivity int       `json:"this_average_daily_activity"`
	ThisBestDailyActivity    int       `json:"this_best_daily_activity"`
	MedianSameBreed          *int      `json:"median_same_breed,omitempty"`
	MedianSameAgeRange       *int      `json:"median_same_age_range,omitempty"`
	MedianSameWeightRange    *int      `json:"median_same_weight_range,omitempty"`
	UpdatedAt                time.Time `json:"updated_at,omitzero"`
}

// Snapshot is the local attribute model of one linked entity. Every numeric field comes
// from the remote service, except PercentCompleteYesterday which is carried across polls.
type Snapshot struct {
	DogName                  string       `json:"dog_name"`
	BatteryLevel             int          `json:"battery_level"`
	ActivityPoints           int          `json:"activity_points"`
	DailyGoal                int          `json:"daily_goal"`
	PercentCompleteToday     *int         `json:"percent_complete_today,omitempty"`
	PercentCompleteYesterday *int         `json:"percent_complete_yesterday,omitempty"`
	MinutesPlay              int          `json:"minutes_play"`
	MinutesActive            int          `json:"minutes_active"`
	MinutesRest              int          `json:"minutes_rest"`
	HourlyAverage            *int         `json:"hourly_average,omitempty"`
	LastRemoteSyncTime       *time.Time   `json:"last_remote_sync_time,omitempty"`
	ScheduledGoalChanges     []GoalChange `json:"scheduled_goal_changes,omitempty"`
	PeerStats                *PeerStats   `json:"peer_stats,omitempty"`
	UpdatedAt                time.Time    `json:"updated_at"`
}

// Clone returns a deep copy, so that callers can compare before/after an update.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.PercentCompleteToday = cloneInt(s.PercentCompleteToday)
	c.PercentCompleteYesterday = cloneInt(s.PercentCompleteYesterday)
	c.HourlyAverage = cloneInt(s.HourlyAverage)
	if s.LastRemoteSyncTime != nil {
		t := *s.LastRemoteSyncTime
		c.LastRemoteSyncTime = &t
	}
	if s.ScheduledGoalChanges != nil {
		c.ScheduledGoalChanges = append([]GoalChange(nil), s.ScheduledGoalChanges...)
	}
	if s.PeerStats != nil {
		p := *s.PeerStats
		p.MedianSameBreed = cloneInt(s.PeerStats.MedianSameBreed)
		p.MedianSameAgeRange = cloneInt(s.PeerStats.MedianSameAgeRange)
		p.MedianSameWeightRange = cloneInt(s.PeerStats.MedianSameWeightRange)
		c.PeerStats = &p
	}
	return c
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IntPtr is a convenience for optional integer fields.
func IntPtr(v int) *int {
	return &v
}
