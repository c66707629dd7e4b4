package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/cache"
)

const (
	maxCodeAttempts = 5
	queueCacheTTL   = 60 * time.Second
)

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store                  Store
	Cache                  cache.Cache
	Clock                  func() time.Time
	IDProvider             IDProvider
	CodeGenerator          CodeGenerator
	Logger                 *zap.Logger
	DefaultMaxParticipants int
}

// Service exposes session lifecycle operations to the REST surface.
type Service struct {
	store                  Store
	cache                  cache.Cache
	clock                  func() time.Time
	idProvider             IDProvider
	codeGenerator          CodeGenerator
	logger                 *zap.Logger
	defaultMaxParticipants int
}

// SessionPatch lists the host-editable fields. Nil fields are left unchanged.
type SessionPatch struct {
	Name            *string                `json:"name"`
	MaxParticipants *int                   `json:"maxParticipants"`
	Permissions     map[string]Permissions `json:"permissions"`
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	cacheBackend := cfg.Cache
	if cacheBackend == nil {
		cacheBackend = cache.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	codeGenerator := cfg.CodeGenerator
	if codeGenerator == nil {
		codeGenerator = RandomCode
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	defaultMax := cfg.DefaultMaxParticipants
	if defaultMax == 0 {
		defaultMax = 10
	}
	return &Service{
		store:                  cfg.Store,
		cache:                  cacheBackend,
		clock:                  clock,
		idProvider:             idProvider,
		codeGenerator:          codeGenerator,
		logger:                 logger,
		defaultMaxParticipants: clampMaxParticipants(defaultMax),
	}, nil
}

// CreateSession opens a new session hosted by hostID. A maxParticipants of zero selects the
// configured default.
func (s *Service) CreateSession(ctx context.Context, hostID, name string, maxParticipants int) (Session, error) {
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return Session{}, newServiceError(opCreateSession, "missing_host", ErrInvalidSessionPatch)
	}
	name = strings.TrimSpace(name)
	if len(name) > maxNameLength {
		return Session{}, newServiceError(opCreateSession, "invalid_name", ErrInvalidSessionPatch)
	}
	if maxParticipants == 0 {
		maxParticipants = s.defaultMaxParticipants
	}
	if maxParticipants < MinParticipants || maxParticipants > MaxParticipants {
		return Session{}, newServiceError(opCreateSession, "invalid_max_participants", ErrInvalidSessionPatch)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		logError(s.logger, opGenerateID, "id_generation_failed", err)
		return Session{}, newServiceError(opGenerateID, "id_generation_failed", err)
	}
	now := s.now()
	session := Session{
		ID:     id,
		Name:   name,
		HostID: hostID,
		Participants: []Participant{{
			UserID:      hostID,
			Permissions: Permissions{CanControl: true, CanAddToQueue: true},
			LastSeen:    now,
			JoinedAt:    now,
		}},
		Queue:           []string{},
		LastUpdate:      now,
		MaxParticipants: maxParticipants,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.codeGenerator()
		if err != nil {
			logError(s.logger, opGenerateCode, "code_generation_failed", err)
			return Session{}, newServiceError(opGenerateCode, "code_generation_failed", err)
		}
		session.SessionCode = NormalizeCode(code)
		err = s.store.CreateSession(ctx, &session)
		if err == nil {
			s.logger.Info("listening session created",
				zap.String("session_code", session.SessionCode),
				zap.String("host_id", hostID))
			return session, nil
		}
		if !errors.Is(err, ErrSessionCodeTaken) {
			return Session{}, err
		}
		s.logger.Debug("session code collision", zap.Int("attempt", attempt))
	}
	logError(s.logger, opGenerateCode, "attempts_exhausted", ErrSessionCodeTaken)
	return Session{}, newServiceError(opGenerateCode, "attempts_exhausted", ErrSessionCodeTaken)
}

// GetSession returns the active session addressed by code.
func (s *Service) GetSession(ctx context.Context, code string) (Session, error) {
	return s.store.FindActiveByCode(ctx, code)
}

// UpdateSession applies a host-only patch.
func (s *Service) UpdateSession(ctx context.Context, code, actorID string, patch SessionPatch) (Session, error) {
	session, err := s.store.FindActiveByCode(ctx, code)
	if err != nil {
		return Session{}, err
	}
	if session.HostID != actorID {
		return Session{}, newServiceError(opUpdateSession, "not_host", ErrNotHost)
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" || len(name) > maxNameLength {
			return Session{}, newServiceError(opUpdateSession, "invalid_name", ErrInvalidSessionPatch)
		}
		session.Name = name
	}
	if patch.MaxParticipants != nil {
		limit := *patch.MaxParticipants
		if limit < MinParticipants || limit > MaxParticipants || limit < len(session.Participants) {
			return Session{}, newServiceError(opUpdateSession, "invalid_max_participants", ErrInvalidSessionPatch)
		}
		session.MaxParticipants = limit
	}
	for userID, permissions := range patch.Permissions {
		index := session.FindParticipant(userID)
		if index < 0 || userID == session.HostID {
			return Session{}, newServiceError(opUpdateSession, "invalid_participant",
				fmt.Errorf("%w: %s", ErrInvalidSessionPatch, userID))
		}
		session.Participants[index].Permissions = permissions
	}

	session.UpdatedAt = s.now()
	if err := s.store.SaveFields(ctx, &session, SettingsColumns); err != nil {
		return Session{}, err
	}
	return session, nil
}

// EndSession deactivates the session and drops its cached state.
func (s *Service) EndSession(ctx context.Context, code, actorID string) error {
	session, err := s.store.FindActiveByCode(ctx, code)
	if err != nil {
		return err
	}
	if session.HostID != actorID {
		return newServiceError(opEndSession, "not_host", ErrNotHost)
	}
	now := s.now()
	session.IsActive = false
	session.IsPlaying = false
	session.UpdatedAt = now
	for index := range session.Participants {
		session.Participants[index].IsOnline = false
	}
	if err := s.store.SaveFields(ctx, &session, LifecycleColumns); err != nil {
		return err
	}
	s.cache.Delete(ctx,
		QueueCacheKey(session.SessionCode),
		PlaybackCacheKey(session.SessionCode),
		MembersCacheKey(session.SessionCode),
		RecentChatCacheKey(session.SessionCode))
	s.cache.DeleteByPattern(ctx, MemberConnectionsCacheKey(session.SessionCode, "*"))
	s.logger.Info("listening session ended", zap.String("session_code", session.SessionCode))
	return nil
}

// ChatHistory pages persisted chat, newest first.
func (s *Service) ChatHistory(ctx context.Context, code string, before time.Time, limit int) ([]ChatMessage, error) {
	session, err := s.store.FindActiveByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.store.ListChatMessages(ctx, session.ID, before, limit)
}

// RecentChat returns the cached recent-history window, newest first. It is empty when caching
// is disabled or the window expired.
func (s *Service) RecentChat(ctx context.Context, code string) []ChatMessage {
	raw := s.cache.ListRange(ctx, RecentChatCacheKey(NormalizeCode(code)), 0, -1)
	messages := make([]ChatMessage, 0, len(raw))
	for _, entry := range raw {
		var message ChatMessage
		if err := json.Unmarshal([]byte(entry), &message); err != nil {
			s.logger.Debug("recent chat entry decode failed", zap.String("operation", opRecentChat), zap.Error(err))
			continue
		}
		messages = append(messages, message)
	}
	return messages
}

// Queue returns the session's queue through the queue cache.
func (s *Service) Queue(ctx context.Context, code string) ([]string, error) {
	normalized := NormalizeCode(code)
	queue, err := cache.Remember(ctx, s.cache, QueueCacheKey(normalized), queueCacheTTL, func(ctx context.Context) ([]string, error) {
		session, err := s.store.FindActiveByCode(ctx, normalized)
		if err != nil {
			return nil, err
		}
		if session.Queue == nil {
			return []string{}, nil
		}
		return session.Queue, nil
	})
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			return nil, err
		}
		return nil, newServiceError(opQueue, "load_failed", err)
	}
	return queue, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func clampMaxParticipants(value int) int {
	if value < MinParticipants {
		return MinParticipants
	}
	if value > MaxParticipants {
		return MaxParticipants
	}
	return value
}
