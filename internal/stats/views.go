package stats

import (
	"context"
	"math"

	"github.com/MarcoPoloResearchLab/stridetally/internal/activities"
	"github.com/MarcoPoloResearchLab/stridetally/internal/athletes"
	"github.com/MarcoPoloResearchLab/stridetally/internal/config"
	"github.com/MarcoPoloResearchLab/stridetally/internal/serviceerr"
)

const unknownAthlete = "Unknown"

// TeamStatsByMonth buckets every activity by calendar month from the campaign start month through the
// current month inclusive. Months without activity are present with zero totals.
func (a *Aggregator) TeamStatsByMonth(ctx context.Context) ([]MonthRollup, error) {
	location := a.campaign.Location
	first := a.campaign.StartMonth()
	last := config.MonthOf(a.now(), location)
	if first.After(last) {
		return []MonthRollup{}, nil
	}

	var stored []activities.Activity
	err := a.db.WithContext(ctx).
		Select("id", "distance", "elevation", "moving_time", "start_date", "created_at").
		Find(&stored).Error
	if err != nil {
		a.logError(opTeamByMonth, "activities_query_failed", err)
		return nil, serviceerr.New(opTeamByMonth, "activities_query_failed", err)
	}

	type bucket struct {
		distance   float64
		elevation  float64
		movingTime int64
		count      int64
	}
	buckets := make(map[int64]*bucket)
	for _, activity := range stored {
		key := config.MonthOf(activity.OccurredAt(), location).Unix()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.distance += activity.Distance
		b.elevation += activity.Elevation
		b.movingTime += activity.MovingTime
		b.count++
	}

	converter := a.campaign.Units
	var series []MonthRollup
	for month := first; !month.After(last); month = month.AddDate(0, 1, 0) {
		rollup := MonthRollup{
			MonthStart: month,
			Month:      month.Month().String(),
			Year:       month.Year(),
		}
		if b, ok := buckets[month.Unix()]; ok {
			rollup.TotalDistance = converter.MetersToMiles(b.distance)
			rollup.TotalElevation = converter.MetersToFeet(b.elevation)
			rollup.TotalMovingTime = converter.SecondsToHours(float64(b.movingTime))
			rollup.TotalActivities = b.count
		}
		series = append(series, rollup)
	}
	return series, nil
}

// TeamStatsByUser returns one row per persisted rollup joined with its athlete and provider identity.
// A missing athlete or identity degrades to placeholder values rather than dropping the row.
func (a *Aggregator) TeamStatsByUser(ctx context.Context) ([]UserRollup, error) {
	db := a.db.WithContext(ctx)

	var rollups []UserStats
	if err := db.Order("user_id ASC").Find(&rollups).Error; err != nil {
		a.logError(opTeamByUser, "rollups_query_failed", err)
		return nil, serviceerr.New(opTeamByUser, "rollups_query_failed", err)
	}
	if len(rollups) == 0 {
		return []UserRollup{}, nil
	}

	userIDs := make([]uint, 0, len(rollups))
	for _, rollup := range rollups {
		userIDs = append(userIDs, rollup.UserID)
	}

	var users []athletes.User
	if err := db.Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		a.logError(opTeamByUser, "athletes_query_failed", err)
		return nil, serviceerr.New(opTeamByUser, "athletes_query_failed", err)
	}
	usersByID := make(map[uint]athletes.User, len(users))
	for _, user := range users {
		usersByID[user.ID] = user
	}

	var identities []athletes.Identity
	err := db.Where("provider = ? AND user_id IN ?", athletes.ProviderStrava, userIDs).
		Order("last_seen_at DESC").
		Find(&identities).Error
	if err != nil {
		a.logError(opTeamByUser, "identities_query_failed", err)
		return nil, serviceerr.New(opTeamByUser, "identities_query_failed", err)
	}
	accountIDs := make(map[uint]string, len(identities))
	for _, identity := range identities {
		if _, seen := accountIDs[identity.UserID]; !seen {
			accountIDs[identity.UserID] = identity.ProviderAccountID
		}
	}

	converter := a.campaign.Units
	result := make([]UserRollup, 0, len(rollups))
	for _, rollup := range rollups {
		ref := AthleteRef{
			StravaID: accountIDs[rollup.UserID],
			Username: unknownAthlete,
		}
		if user, ok := usersByID[rollup.UserID]; ok {
			ref.Username = user.Name()
			ref.ProfilePicture = user.AvatarURL
		}
		result = append(result, UserRollup{
			UserID:          rollup.UserID,
			User:            ref,
			TotalDistance:   converter.MetersToMiles(rollup.TotalDistance),
			TotalElevation:  converter.MetersToFeet(rollup.TotalElevation),
			TotalMovingTime: converter.SecondsToHours(float64(rollup.TotalMovingTime)),
			TotalActivities: rollup.TotalActivities,
			TotalKudos:      rollup.TotalKudos,
		})
	}
	return result, nil
}

// TeamProgress sums every rollup's distance against the campaign goal. Percent is capped at 100.
func (a *Aggregator) TeamProgress(ctx context.Context) (TeamProgress, error) {
	var totalMeters float64
	err := a.db.WithContext(ctx).
		Model(&UserStats{}).
		Select("COALESCE(SUM(total_distance), 0)").
		Scan(&totalMeters).Error
	if err != nil {
		a.logError(opTeamProgress, "sum_failed", err)
		return TeamProgress{}, serviceerr.New(opTeamProgress, "sum_failed", err)
	}

	progress := TeamProgress{
		TotalMiles: a.campaign.Units.MetersToMiles(totalMeters),
		GoalMiles:  a.campaign.GoalMiles,
	}
	if progress.GoalMiles > 0 {
		progress.Percent = math.Min(100, progress.TotalMiles/progress.GoalMiles*100)
	}
	return progress, nil
}
