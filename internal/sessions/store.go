package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultChatPageSize = 50
	maxChatPageSize     = 100
)

var (
	// ErrSessionNotFound indicates no active session answers to the code.
	ErrSessionNotFound = errors.New("sessions: session not found")
	// ErrSessionCodeTaken indicates a generated code collided with an existing session.
	ErrSessionCodeTaken = errors.New("sessions: session code already in use")
	// ErrNotHost indicates the actor is not the session host.
	ErrNotHost = errors.New("sessions: actor is not the host")
	// ErrInvalidSessionPatch indicates a rejected session update.
	ErrInvalidSessionPatch = errors.New("sessions: invalid session patch")

	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("session store is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an "operation.reason" code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const (
	opStoreNew      = "sessions.store.new"
	opCreateSession = "sessions.create"
	opFindSession   = "sessions.find"
	opSaveSession   = "sessions.save"
	opAppendChat    = "sessions.chat.append"
	opListChat      = "sessions.chat.list"
	opServiceNew    = "sessions.service.new"
	opUpdateSession = "sessions.update"
	opEndSession    = "sessions.end"
	opGenerateCode  = "sessions.generate_code"
	opGenerateID    = "sessions.generate_id"
	opQueue         = "sessions.queue"
	opRecentChat    = "sessions.chat.recent"
)

// Column groups for SaveFields. Each kind of change writes only the columns it owns, so a join
// or a queue edit never rewinds playback persisted by a concurrent control action.
var (
	ParticipantColumns = []string{"participants", "updated_at"}
	QueueColumns       = []string{"queue", "updated_at"}
	PlaybackColumns    = []string{"current_song", "current_time_s", "is_playing", "last_update", "updated_at"}
	AdvanceColumns     = []string{"current_song", "current_time_s", "is_playing", "last_update", "queue", "updated_at"}
	SettingsColumns    = []string{"name", "max_participants", "participants", "updated_at"}
	LifecycleColumns   = []string{"is_active", "is_playing", "participants", "updated_at"}
)

// Store persists sessions and chat. Within a column group writes are last-write-wins.
type Store interface {
	CreateSession(ctx context.Context, session *Session) error
	FindActiveByCode(ctx context.Context, code string) (Session, error)
	SaveSession(ctx context.Context, session *Session) error
	SaveFields(ctx context.Context, session *Session, columns []string) error
	AppendChatMessage(ctx context.Context, message *ChatMessage) error
	ListChatMessages(ctx context.Context, sessionID string, before time.Time, limit int) ([]ChatMessage, error)
}

// GormStoreConfig wires a GormStore.
type GormStoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// GormStore implements Store with gorm.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore constructs a GormStore.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &GormStore{db: cfg.Database, logger: logger}, nil
}

func (s *GormStore) CreateSession(ctx context.Context, session *Session) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		if isUniqueViolation(err) {
			return newServiceError(opCreateSession, "code_taken", ErrSessionCodeTaken)
		}
		logError(s.logger, opCreateSession, "insert_failed", err, zap.String("session_code", session.SessionCode))
		return newServiceError(opCreateSession, "insert_failed", err)
	}
	return nil
}

func (s *GormStore) FindActiveByCode(ctx context.Context, code string) (Session, error) {
	var session Session
	err := s.db.WithContext(ctx).
		Where("session_code = ? AND is_active = ?", NormalizeCode(code), true).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, newServiceError(opFindSession, "not_found", ErrSessionNotFound)
	}
	if err != nil {
		logError(s.logger, opFindSession, "query_failed", err, zap.String("session_code", code))
		return Session{}, newServiceError(opFindSession, "query_failed", err)
	}
	return session, nil
}

func (s *GormStore) SaveSession(ctx context.Context, session *Session) error {
	if err := s.db.WithContext(ctx).Save(session).Error; err != nil {
		logError(s.logger, opSaveSession, "update_failed", err, zap.String("session_code", session.SessionCode))
		return newServiceError(opSaveSession, "update_failed", err)
	}
	return nil
}

// SaveFields writes only columns of the session row, zero values included.
func (s *GormStore) SaveFields(ctx context.Context, session *Session, columns []string) error {
	if len(columns) == 0 {
		return s.SaveSession(ctx, session)
	}
	if err := s.db.WithContext(ctx).Model(session).Select(columns).Updates(session).Error; err != nil {
		logError(s.logger, opSaveSession, "update_failed", err,
			zap.String("session_code", session.SessionCode),
			zap.Strings("columns", columns))
		return newServiceError(opSaveSession, "update_failed", err)
	}
	return nil
}

func (s *GormStore) AppendChatMessage(ctx context.Context, message *ChatMessage) error {
	if err := s.db.WithContext(ctx).Create(message).Error; err != nil {
		logError(s.logger, opAppendChat, "insert_failed", err, zap.String("session_id", message.SessionID))
		return newServiceError(opAppendChat, "insert_failed", err)
	}
	return nil
}

// ListChatMessages returns messages older than before (all when zero), newest first.
func (s *GormStore) ListChatMessages(ctx context.Context, sessionID string, before time.Time, limit int) ([]ChatMessage, error) {
	query := s.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}
	var messages []ChatMessage
	if err := query.Order("created_at DESC").Limit(clampPageSize(limit)).Find(&messages).Error; err != nil {
		logError(s.logger, opListChat, "query_failed", err, zap.String("session_id", sessionID))
		return nil, newServiceError(opListChat, "query_failed", err)
	}
	return messages, nil
}

func clampPageSize(limit int) int {
	if limit <= 0 {
		return defaultChatPageSize
	}
	if limit > maxChatPageSize {
		return maxChatPageSize
	}
	return limit
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("sessions service error", attrs...)
}
