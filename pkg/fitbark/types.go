package fitbark

import "time"

// Credentials identify the application registered with the service.
type Credentials struct {
	ClientId     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func (c Credentials) Empty() bool {
	return c.ClientId == "" || c.ClientSecret == ""
}

// Token is the /oauth/token answer. RefreshToken and ExpiresIn are optional.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ExpiresAfter returns the token lifetime, or zero when the service did not declare one.
func (t Token) ExpiresAfter() time.Duration {
	if t.ExpiresIn <= 0 {
		return 0
	}
	return time.Duration(t.ExpiresIn) * time.Second
}

type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

type redirectURLs struct {
	RedirectURI *string `json:"redirect_uri"`
}

// User is the account summary.
type User struct {
	Slug      string `json:"slug"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// DisplayName prefers the full name, then first/last, then the username.
func (u User) DisplayName() string {
	switch {
	case u.Name != "":
		return u.Name
	case u.FirstName != "" || u.LastName != "":
		if u.LastName == "" {
			return u.FirstName
		}
		if u.FirstName == "" {
			return u.LastName
		}
		return u.FirstName + " " + u.LastName
	}
	return u.Username
}

type userResponse struct {
	User *User `json:"user"`
}

// Dog is the profile and activity snapshot of a dog. Numeric fields are optional, the
// service omits them for dogs that never synced.
type Dog struct {
	Slug          string    `json:"slug"`
	Name          string    `json:"name"`
	Breed         string    `json:"breed1,omitempty"`
	Birth         string    `json:"birth,omitempty"`
	BatteryLevel  *int      `json:"battery_level"`
	ActivityValue *int      `json:"activity_value"`
	DailyGoal     *int      `json:"daily_goal"`
	HourlyAverage *int      `json:"hourly_average"`
	MinPlay       *int      `json:"min_play"`
	MinActive     *int      `json:"min_active"`
	MinRest       *int      `json:"min_rest"`
	LastSync      Timestamp `json:"last_sync"`
	LastMinTime   Timestamp `json:"last_min_time"`
}

// LastSyncTime reads the last synchronization time from whichever key the endpoint
// populated, preferring last_sync.
func (d Dog) LastSyncTime() *time.Time {
	if d.LastSync.Set {
		return d.LastSync.Ptr()
	}
	return d.LastMinTime.Ptr()
}

type dogResponse struct {
	Dog *Dog `json:"dog"`
}

// DogRelation links the authorized user to a dog, as OWNER or follower.
type DogRelation struct {
	Date   Timestamp `json:"date"`
	Status string    `json:"status"`
	Dog    *Dog      `json:"dog"`
}

type dogRelationsResponse struct {
	DogRelations *[]DogRelation `json:"dog_relations"`
}

// DailyGoal is one entry of the goal schedule.
type DailyGoal struct {
	Goal int       `json:"goal"`
	Date Timestamp `json:"date"`
}

type dailyGoalsResponse struct {
	DailyGoals *[]DailyGoal `json:"daily_goals"`
}

type dailyGoalRequest struct {
	DailyGoal int    `json:"daily_goal"`
	Date      string `json:"date"`
}

// SimilarDogsStats compares a dog with its peer groups.
type SimilarDogsStats struct {
	ThisBestDailyActivity    *int `json:"this_best_daily_activity"`
	ThisAverageDailyActivity *int `json:"this_average_daily_activity"`
	MedianSameBreed          *int `json:"median_same_breed_daily_activity"`
	MedianSameAgeRange       *int `json:"median_same_age_range_daily_activity"`
	MedianSameWeightRange    *int `json:"median_same_weight_range_daily_activity"`
}

type similarDogsStatsResponse struct {
	Stats *SimilarDogsStats `json:"similar_dogs_stats"`
}
