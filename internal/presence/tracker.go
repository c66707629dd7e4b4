// Package presence tracks global user presence and "now playing" activity in the ephemeral cache.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/cache"
)

const (
	presenceKeyPrefix  = "presence:"
	activityKeyPrefix  = "activity:"
	listeningKeyPrefix = "listening:"
	// OnlineSetKey holds the ids of users whose presence status is live.
	OnlineSetKey = "presence:online"

	defaultPresenceTTL  = 300 * time.Second
	defaultActivityTTL  = time.Hour
	defaultListeningTTL = time.Hour
	defaultTrendLimit   = 10
)

var errMissingCache = errors.New("presence: cache is required")

// TrackerConfig wires a Tracker.
type TrackerConfig struct {
	Cache        cache.Cache
	Clock        func() time.Time
	Logger       *zap.Logger
	PresenceTTL  time.Duration
	ActivityTTL  time.Duration
	ListeningTTL time.Duration
}

// Tracker reads and writes presence, activity and listening records.
type Tracker struct {
	cache        cache.Cache
	clock        func() time.Time
	logger       *zap.Logger
	presenceTTL  time.Duration
	activityTTL  time.Duration
	listeningTTL time.Duration
}

// NewTracker constructs a Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cache:        cfg.Cache,
		clock:        clock,
		logger:       logger,
		presenceTTL:  durationOrDefault(cfg.PresenceTTL, defaultPresenceTTL),
		activityTTL:  durationOrDefault(cfg.ActivityTTL, defaultActivityTTL),
		listeningTTL: durationOrDefault(cfg.ListeningTTL, defaultListeningTTL),
	}, nil
}

// SetOnline marks the user online, merging metadata into the stored record.
func (t *Tracker) SetOnline(ctx context.Context, userID string, metadata Metadata) error {
	id, err := normalizeUserID(userID)
	if err != nil {
		return err
	}
	existing, _ := t.LookupPresence(ctx, id)
	t.writePresence(ctx, mergeMetadata(existing, id, StatusOnline, metadata, t.now()))
	return nil
}

// SetOffline writes an explicit offline record, leaves the online set and clears activity.
func (t *Tracker) SetOffline(ctx context.Context, userID string) error {
	id, err := normalizeUserID(userID)
	if err != nil {
		return err
	}
	existing, _ := t.LookupPresence(ctx, id)
	t.writePresence(ctx, mergeMetadata(existing, id, StatusOffline, Metadata{}, t.now()))
	t.cache.Delete(ctx, activityKey(id))
	return nil
}

// SetStatus stores the given status. A non-empty customMessage replaces the stored one.
func (t *Tracker) SetStatus(ctx context.Context, userID string, status Status, customMessage string) error {
	id, err := normalizeUserID(userID)
	if err != nil {
		return err
	}
	parsed, err := ParseStatus(string(status))
	if err != nil {
		return err
	}
	existing, _ := t.LookupPresence(ctx, id)
	t.writePresence(ctx, mergeMetadata(existing, id, parsed, Metadata{CustomMessage: customMessage}, t.now()))
	return nil
}

// Heartbeat refreshes lastSeen and the TTL of a live presence record, keeping its status and
// metadata. It never creates presence; it reports whether a refresh happened.
func (t *Tracker) Heartbeat(ctx context.Context, userID string) (bool, error) {
	id, err := normalizeUserID(userID)
	if err != nil {
		return false, err
	}
	existing, found := t.LookupPresence(ctx, id)
	if !found || !existing.Status.Live() {
		return false, nil
	}
	existing.LastSeen = t.now()
	t.writePresence(ctx, existing)
	return true, nil
}

// GetPresence returns the stored record, or an offline record with zero LastSeen when absent.
func (t *Tracker) GetPresence(ctx context.Context, userID string) Record {
	record, _ := t.LookupPresence(ctx, userID)
	return record
}

// LookupPresence is GetPresence that also reports whether a record was stored, which tells an
// expired presence apart from an explicit offline one.
func (t *Tracker) LookupPresence(ctx context.Context, userID string) (Record, bool) {
	var record Record
	if !t.cache.GetJSON(ctx, presenceKey(userID), &record) {
		return offlineRecord(userID), false
	}
	return record, true
}

// GetBulkPresence returns one record per requested id.
func (t *Tracker) GetBulkPresence(ctx context.Context, userIDs []string) map[string]Record {
	out := make(map[string]Record, len(userIDs))
	if len(userIDs) == 0 {
		return out
	}
	raw := t.cache.GetMany(ctx, prefixed(presenceKeyPrefix, userIDs)...)
	for index, userID := range userIDs {
		out[userID] = decodeRecord(userID, raw[index])
	}
	return out
}

// UpdateActivity stores what the user is playing and marks them online.
func (t *Tracker) UpdateActivity(ctx context.Context, userID string, activity Activity) error {
	id, err := normalizeUserID(userID)
	if err != nil {
		return err
	}
	activityType, err := normalizeActivityType(activity.Type)
	if err != nil {
		return err
	}
	activity.UserID = id
	activity.Type = activityType
	if activity.Timestamp.IsZero() {
		activity.Timestamp = t.now()
	}
	t.cache.Set(ctx, activityKey(id), activity, t.activityTTL)
	return t.SetOnline(ctx, id, Metadata{CurrentActivityType: activityType})
}

// GetActivity returns the stored activity, if any.
func (t *Tracker) GetActivity(ctx context.Context, userID string) (Activity, bool) {
	var activity Activity
	if !t.cache.GetJSON(ctx, activityKey(userID), &activity) {
		return Activity{}, false
	}
	return activity, true
}

// ClearActivity removes the stored activity.
func (t *Tracker) ClearActivity(ctx context.Context, userID string) error {
	id, err := normalizeUserID(userID)
	if err != nil {
		return err
	}
	t.cache.Delete(ctx, activityKey(id))
	return nil
}

// GetFriendsActivities returns the activities of online friends, newest first.
func (t *Tracker) GetFriendsActivities(ctx context.Context, userID string, friendIDs []string) []FriendActivity {
	candidates := make([]string, 0, len(friendIDs))
	for _, friendID := range friendIDs {
		if friendID != "" && friendID != userID {
			candidates = append(candidates, friendID)
		}
	}
	if len(candidates) == 0 {
		return []FriendActivity{}
	}

	presences := t.cache.GetMany(ctx, prefixed(presenceKeyPrefix, candidates)...)
	activities := t.cache.GetMany(ctx, prefixed(activityKeyPrefix, candidates)...)

	out := make([]FriendActivity, 0, len(candidates))
	for index, friendID := range candidates {
		record := decodeRecord(friendID, presences[index])
		if record.Status != StatusOnline {
			continue
		}
		activity, ok := decodeActivity(activities[index])
		if !ok {
			continue
		}
		out = append(out, FriendActivity{UserID: friendID, Presence: record, Activity: activity})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Activity.Timestamp.After(out[j].Activity.Timestamp)
	})
	return out
}

// GetOnlineCount returns the size of the online set.
func (t *Tracker) GetOnlineCount(ctx context.Context) int64 {
	return t.cache.SetCount(ctx, OnlineSetKey)
}

// GetOnlineUsers returns the online set in sorted order.
func (t *Tracker) GetOnlineUsers(ctx context.Context) []string {
	members := t.cache.SetMembers(ctx, OnlineSetKey)
	sort.Strings(members)
	if members == nil {
		return []string{}
	}
	return members
}

// GetTrendingNow returns the songs most listened to by online users.
func (t *Tracker) GetTrendingNow(ctx context.Context, limit int) []TrendingSong {
	if limit <= 0 {
		limit = defaultTrendLimit
	}
	ranked := make([]TrendingSong, 0)
	positions := make(map[string]int)
	for _, activity := range t.onlineListeningActivities(ctx) {
		if position, seen := positions[activity.SongID]; seen {
			ranked[position].Listeners++
			continue
		}
		positions[activity.SongID] = len(ranked)
		ranked = append(ranked, TrendingSong{
			SongID:     activity.SongID,
			SongTitle:  activity.SongTitle,
			Artist:     activity.Artist,
			Album:      activity.Album,
			CoverImage: activity.CoverImage,
			Listeners:  1,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Listeners > ranked[j].Listeners
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// GetListenersForSong returns the online users currently listening to songID.
func (t *Tracker) GetListenersForSong(ctx context.Context, songID string) []string {
	listeners := make([]string, 0)
	for _, activity := range t.onlineListeningActivities(ctx) {
		if activity.SongID == songID {
			listeners = append(listeners, activity.UserID)
		}
	}
	return listeners
}

// TrackListeningSession stores the scratch record for an ongoing playback.
func (t *Tracker) TrackListeningSession(ctx context.Context, session ListeningSession) error {
	id, err := normalizeUserID(session.UserID)
	if err != nil {
		return err
	}
	session.UserID = id
	if session.StartedAt.IsZero() {
		session.StartedAt = t.now()
	}
	t.cache.Set(ctx, listeningKey(id), session, t.listeningTTL)
	return nil
}

func (t *Tracker) GetListeningSession(ctx context.Context, userID string) (ListeningSession, bool) {
	var session ListeningSession
	if !t.cache.GetJSON(ctx, listeningKey(userID), &session) {
		return ListeningSession{}, false
	}
	return session, true
}

func (t *Tracker) EndListeningSession(ctx context.Context, userID string) {
	t.cache.Delete(ctx, listeningKey(userID))
}

// Cleanup drops online-set members whose presence record expired or is no longer live.
func (t *Tracker) Cleanup(ctx context.Context) int {
	members := t.cache.SetMembers(ctx, OnlineSetKey)
	if len(members) == 0 {
		return 0
	}
	raw := t.cache.GetMany(ctx, prefixed(presenceKeyPrefix, members)...)
	stale := make([]string, 0)
	for index, userID := range members {
		if raw[index] == "" || !decodeRecord(userID, raw[index]).Status.Live() {
			stale = append(stale, userID)
		}
	}
	if len(stale) == 0 {
		return 0
	}
	if !t.cache.SetRemove(ctx, OnlineSetKey, stale...) {
		return 0
	}
	return len(stale)
}

// RunJanitor runs Cleanup every interval until ctx is cancelled.
func (t *Tracker) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := t.Cleanup(ctx); removed > 0 {
				t.logger.Info("presence cleanup removed stale online users", zap.Int("removed", removed))
			}
		}
	}
}

func (t *Tracker) writePresence(ctx context.Context, record Record) {
	t.cache.Set(ctx, presenceKey(record.UserID), record, t.presenceTTL)
	if record.Status.Live() {
		t.cache.SetAdd(ctx, OnlineSetKey, record.UserID)
		return
	}
	t.cache.SetRemove(ctx, OnlineSetKey, record.UserID)
}

func (t *Tracker) onlineListeningActivities(ctx context.Context) []Activity {
	members := t.cache.SetMembers(ctx, OnlineSetKey)
	if len(members) == 0 {
		return nil
	}
	sort.Strings(members)
	raw := t.cache.GetMany(ctx, prefixed(activityKeyPrefix, members)...)
	activities := make([]Activity, 0, len(members))
	for index, userID := range members {
		activity, ok := decodeActivity(raw[index])
		if !ok || activity.Type != ActivityListening || activity.SongID == "" {
			continue
		}
		activity.UserID = userID
		activities = append(activities, activity)
	}
	return activities
}

func (t *Tracker) now() time.Time {
	return t.clock().UTC()
}

func mergeMetadata(existing Record, userID string, status Status, metadata Metadata, seenAt time.Time) Record {
	record := Record{
		UserID:              userID,
		Status:              status,
		LastSeen:            seenAt,
		CustomMessage:       existing.CustomMessage,
		CurrentActivityType: existing.CurrentActivityType,
	}
	if metadata.CustomMessage != "" {
		record.CustomMessage = metadata.CustomMessage
	}
	if metadata.CurrentActivityType != "" {
		record.CurrentActivityType = metadata.CurrentActivityType
	}
	return record
}

func offlineRecord(userID string) Record {
	return Record{UserID: userID, Status: StatusOffline}
}

func decodeRecord(userID, raw string) Record {
	if raw == "" {
		return offlineRecord(userID)
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return offlineRecord(userID)
	}
	return record
}

func decodeActivity(raw string) (Activity, bool) {
	if raw == "" {
		return Activity{}, false
	}
	var activity Activity
	if err := json.Unmarshal([]byte(raw), &activity); err != nil {
		return Activity{}, false
	}
	return activity, true
}

func presenceKey(userID string) string  { return presenceKeyPrefix + userID }
func activityKey(userID string) string  { return activityKeyPrefix + userID }
func listeningKey(userID string) string { return listeningKeyPrefix + userID }

func prefixed(prefix string, ids []string) []string {
	keys := make([]string, len(ids))
	for index, id := range ids {
		keys[index] = prefix + id
	}
	return keys
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
