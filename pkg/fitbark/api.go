package fitbark

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

const (
	userPath             = "/api/v2/user"
	dogRelationsPath     = "/api/v2/dog_relations"
	dogPath              = "/api/v2/dog/"
	dailyGoalPath        = "/api/v2/daily_goal/"
	similarDogsStatsPath = "/api/v2/similar_dogs_stats"
)

func (c *Client) GetUser(ctx context.Context, token string) (*User, error) {
	var out userResponse
	if err := c.get(ctx, userPath, nil, token, &out); err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, protocolError(userPath, "missing user")
	}
	return out.User, nil
}

// GetDogRelations lists the dogs linked to the authorized user. The list may be empty.
func (c *Client) GetDogRelations(ctx context.Context, token string) ([]DogRelation, error) {
	var out dogRelationsResponse
	if err := c.get(ctx, dogRelationsPath, nil, token, &out); err != nil {
		return nil, err
	}
	if out.DogRelations == nil {
		return nil, protocolError(dogRelationsPath, "missing dog_relations")
	}
	return *out.DogRelations, nil
}

func (c *Client) GetDog(ctx context.Context, token string, slug string) (*Dog, error) {
	path := dogPath + url.PathEscape(slug)
	var out dogResponse
	if err := c.get(ctx, path, nil, token, &out); err != nil {
		return nil, err
	}
	if out.Dog == nil {
		return nil, protocolError(path, "missing dog")
	}
	return out.Dog, nil
}

func (c *Client) GetDailyGoals(ctx context.Context, token string, slug string) ([]DailyGoal, error) {
	path := dailyGoalPath + url.PathEscape(slug)
	var out dailyGoalsResponse
	if err := c.get(ctx, path, nil, token, &out); err != nil {
		return nil, err
	}
	if out.DailyGoals == nil {
		return nil, protocolError(path, "missing daily_goals")
	}
	return *out.DailyGoals, nil
}

// SetDailyGoal schedules goal from date on and returns the updated schedule.
func (c *Client) SetDailyGoal(ctx context.Context, token string, slug string, goal int, date time.Time) ([]DailyGoal, error) {
	path := dailyGoalPath + url.PathEscape(slug)
	var out dailyGoalsResponse
	in := dailyGoalRequest{DailyGoal: goal, Date: date.Format(DateLayout)}
	if err := c.sendJSON(ctx, http.MethodPut, path, token, in, &out); err != nil {
		return nil, err
	}
	if out.DailyGoals == nil {
		return nil, protocolError(path, "missing daily_goals")
	}
	return *out.DailyGoals, nil
}

func (c *Client) GetSimilarDogsStats(ctx context.Context, token string, slug string) (*SimilarDogsStats, error) {
	q := url.Values{}
	q.Set("slug", slug)
	var out similarDogsStatsResponse
	if err := c.get(ctx, similarDogsStatsPath, q, token, &out); err != nil {
		return nil, err
	}
	if out.Stats == nil {
		return nil, protocolError(similarDogsStatsPath, "missing similar_dogs_stats")
	}
	return out.Stats, nil
}
