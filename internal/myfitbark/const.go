package myfitbark

const MYFITBARK string = "myfitbark"

// Attribute names, as published on the change-event bus.
const (
	AttrDogName                  = "dogName"
	AttrBattery                  = "battery"
	AttrActivityPoints           = "activityPoints"
	AttrDailyGoal                = "dailyGoal"
	AttrPercentComplete          = "percentComplete"
	AttrPercentCompleteYesterday = "percentCompleteYesterday"
	AttrMinutesPlay              = "minutesPlay"
	AttrMinutesActive            = "minutesActive"
	AttrMinutesRest              = "minutesRest"
	AttrHourlyAverage            = "hourlyAverage"
	AttrLastSync                 = "lastSync"
	AttrGoalSchedule             = "goalSchedule"
	AttrPeerStats                = "peerStats"
)

// Attributes lists every attribute name.
func Attributes() []string {
	return []string{
		AttrDogName, AttrBattery, AttrActivityPoints, AttrDailyGoal,
		AttrPercentComplete, AttrPercentCompleteYesterday,
		AttrMinutesPlay, AttrMinutesActive, AttrMinutesRest, AttrHourlyAverage,
		AttrLastSync, AttrGoalSchedule, AttrPeerStats,
	}
}

// UnknownDogName is displayed until the remote service supplies a name.
const UnknownDogName = "FitBark Dog"

// AuthSignal is the value published on the auth event topic.
type AuthSignal string

const (
	AuthAuthorized AuthSignal = "authorized"
	AuthFailed     AuthSignal = "failed"
	AuthSignedOut  AuthSignal = "signed-out"
)
