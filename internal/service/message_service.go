package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaypoint/relaypoint/internal/audit"
	"github.com/relaypoint/relaypoint/internal/cache"
	"github.com/relaypoint/relaypoint/internal/domain"
	"github.com/relaypoint/relaypoint/internal/notify"
	"github.com/relaypoint/relaypoint/internal/repository"
	"github.com/relaypoint/relaypoint/internal/tasks"
	"github.com/relaypoint/relaypoint/pkg/log"
)

type messageServiceImpl struct {
	messages repository.MessageRepository
	rooms    repository.RoomRepository
	store    cache.Store
	cacheTTL time.Duration
	emitter  Emitter
	notifier notify.Notifier
	runner   *tasks.Runner
	sanitize Sanitizer
	sf       singleflight.Group
}

// NewMessageService creates the message service. sanitize may be nil,
// in which case content passes through unchanged.
func NewMessageService(
	messages repository.MessageRepository,
	rooms repository.RoomRepository,
	store cache.Store,
	cacheTTL time.Duration,
	emitter Emitter,
	notifier notify.Notifier,
	runner *tasks.Runner,
	sanitize Sanitizer,
) MessageService {
	if sanitize == nil {
		sanitize = func(s string) string { return s }
	}
	return &messageServiceImpl{
		messages: messages,
		rooms:    rooms,
		store:    store,
		cacheTTL: cacheTTL,
		emitter:  emitter,
		notifier: notifier,
		runner:   runner,
		sanitize: sanitize,
	}
}

// SendMessage validates, persists atomically with the room's
// last-activity bump, invalidates caches, and schedules broadcast and
// notification off the request path. Once the transaction commits,
// nothing downstream can fail the call.
func (s *messageServiceImpl) SendMessage(ctx context.Context, senderID, roomID string, req *domain.SendMessageRequest) (*domain.Message, error) {
	content := s.sanitize(req.Content)
	if content == "" && req.File == nil {
		return nil, ErrInvalidInput
	}

	ok, err := s.rooms.IsParticipant(ctx, roomID, senderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}

	if req.ReplyToID != nil && *req.ReplyToID != "" {
		target, err := s.messages.GetByID(ctx, *req.ReplyToID)
		if err != nil {
			if errors.Is(err, repository.ErrMessageNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		// A deleted target is tolerated as dangling; a foreign room is not.
		if target.RoomID != roomID {
			return nil, ErrInvalidInput
		}
	}

	msg := &domain.Message{
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		Type:      domain.InferMessageType(req.Type, req.File),
		ReplyToID: req.ReplyToID,
	}
	if req.File != nil {
		msg.FileName = req.File.Name
		msg.FileSize = req.File.Size
		msg.FileMime = req.File.MimeType
		msg.FileURL = req.File.URL
	}

	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	audit.Log(ctx, audit.ActionSendMessage, senderID, "message sent")

	s.invalidateRoom(ctx, roomID)
	s.emitMessage(domain.EventMessageSend, msg)
	s.enqueueNotification(ctx, msg)

	return msg, nil
}

// EditMessage applies a last-writer-wins content edit. Only the sender
// may mutate.
func (s *messageServiceImpl) EditMessage(ctx context.Context, userID, messageID, content string) (*domain.Message, error) {
	msg, err := s.authorizeSender(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}

	content = s.sanitize(content)
	if content == "" {
		return nil, ErrInvalidInput
	}

	if err := s.messages.UpdateContent(ctx, messageID, content); err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	msg.Content = content
	msg.IsEdited = true

	s.invalidateRoom(ctx, msg.RoomID)
	s.emitMessage(domain.EventMessageEdited, msg)

	return msg, nil
}

// DeleteMessage soft-deletes. Only the sender may mutate.
func (s *messageServiceImpl) DeleteMessage(ctx context.Context, userID, messageID string) error {
	msg, err := s.authorizeSender(ctx, userID, messageID)
	if err != nil {
		return err
	}

	if err := s.messages.MarkDeleted(ctx, messageID); err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return ErrNotFound
		}
		return err
	}

	audit.Log(ctx, audit.ActionDeleteMessage, userID, "message deleted")

	msg.IsDeleted = true
	msg.Content = ""

	s.invalidateRoom(ctx, msg.RoomID)
	s.emitMessage(domain.EventMessageDeleted, msg)

	return nil
}

// SetPinned pins or unpins a message. Any participant of the room may
// pin.
func (s *messageServiceImpl) SetPinned(ctx context.Context, userID, messageID string, pinned bool) (*domain.Message, error) {
	msg, err := s.getForParticipant(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}

	var pinnedBy *string
	if pinned {
		pinnedBy = &userID
	}

	if err := s.messages.SetPinned(ctx, messageID, pinned, pinnedBy); err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	msg.IsPinned = pinned
	msg.PinnedByID = pinnedBy

	event := domain.EventMessagePinned
	if !pinned {
		event = domain.EventMessageUnpinned
	}

	s.invalidateRoom(ctx, msg.RoomID)
	s.emitMessage(event, msg)

	return msg, nil
}

// ToggleReaction adds or removes the caller's reaction and broadcasts
// the regrouped result. The duplicate-add race resolves locally as
// success, never as an error.
func (s *messageServiceImpl) ToggleReaction(ctx context.Context, userID, messageID, emoji string) ([]domain.ReactionGroup, error) {
	if emoji == "" {
		return nil, ErrInvalidInput
	}

	msg, err := s.getForParticipant(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}

	if _, err := s.messages.ToggleReaction(ctx, messageID, userID, emoji); err != nil {
		return nil, err
	}

	reactions, err := s.messages.ListReactions(ctx, messageID)
	if err != nil {
		return nil, err
	}
	groups := domain.GroupReactions(reactions)

	roomID := msg.RoomID
	s.runner.Submit("broadcast:reaction", func(taskCtx context.Context) error {
		return s.emitter.Emit(taskCtx, domain.EventReactionUpdated, roomID, domain.ReactionEventPayload{
			RoomID:    roomID,
			MessageID: messageID,
			Groups:    groups,
		})
	})

	return groups, nil
}

// ListMessages is the cache-aside read path. Singleflight collapses
// concurrent misses for the same page into one database query.
func (s *messageServiceImpl) ListMessages(ctx context.Context, userID, roomID, cursor string, limit int) (*domain.ListMessagesResponse, error) {
	ok, err := s.rooms.IsParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}

	key := cache.RoomMessagesKey(roomID, cursor, limit)

	result, err, _ := s.sf.Do(key, func() (interface{}, error) {
		var cached domain.ListMessagesResponse
		cacheErr := s.store.Get(ctx, key, &cached)
		if cacheErr == nil {
			return &cached, nil
		}
		if !errors.Is(cacheErr, cache.ErrCacheMiss) {
			// Degraded cache is a miss, not a failure.
			log.Ctx(ctx).Warn().Err(cacheErr).Msg("cache get error")
		}

		msgs, nextCursor, hasMore, dbErr := s.messages.ListByRoom(ctx, roomID, cursor, limit)
		if dbErr != nil {
			return nil, dbErr
		}

		page := &domain.ListMessagesResponse{
			Messages:   msgs,
			NextCursor: nextCursor,
			HasMore:    hasMore,
		}

		// Filled inside the flight so a write committed after this read
		// cannot have its invalidation overwritten by a late async fill.
		if setErr := s.store.Set(ctx, key, page, s.cacheTTL); setErr != nil {
			log.Ctx(ctx).Warn().Err(setErr).Msg("cache set error")
		}

		return page, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(*domain.ListMessagesResponse), nil
}

// authorizeSender loads a message and verifies the caller is its sender.
func (s *messageServiceImpl) authorizeSender(ctx context.Context, userID, messageID string) (*domain.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, ErrForbidden
	}
	return msg, nil
}

// getForParticipant loads a message and verifies the caller belongs to
// its room.
func (s *messageServiceImpl) getForParticipant(ctx context.Context, userID, messageID string) (*domain.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	ok, err := s.rooms.IsParticipant(ctx, msg.RoomID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}
	return msg, nil
}

// invalidateRoom drops the cached message pages and room lists touched
// by a committed write, before the write returns: a read issued after
// the call must not see the pre-commit page. Invalidation failures
// leave stale entries to expire by TTL; they never fail the write.
func (s *messageServiceImpl) invalidateRoom(ctx context.Context, roomID string) {
	// Participant lookup is best-effort; the room's own keys drop
	// regardless.
	participants, err := s.rooms.ParticipantIDs(ctx, roomID)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("participant lookup for invalidation failed")
	}

	if err := s.store.DeletePrefix(ctx, cache.RoomMessagesPrefix(roomID)); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("message page invalidation failed")
	}

	keys := []string{cache.RoomKey(roomID)}
	for _, userID := range participants {
		keys = append(keys, cache.UserRoomsKey(userID))
	}
	if err := s.store.Delete(ctx, keys...); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("room key invalidation failed")
	}
}

func (s *messageServiceImpl) emitMessage(event string, msg *domain.Message) {
	m := *msg
	s.runner.Submit("broadcast:"+event, func(taskCtx context.Context) error {
		return s.emitter.Emit(taskCtx, event, m.RoomID, domain.MessageEventPayload{
			RoomID:  m.RoomID,
			Message: m,
		})
	})
}

func (s *messageServiceImpl) enqueueNotification(ctx context.Context, msg *domain.Message) {
	if s.notifier == nil {
		return
	}

	participants, err := s.rooms.ParticipantIDs(ctx, msg.RoomID)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldRoomID, msg.RoomID).Msg("participant lookup for notification failed")
		return
	}

	recipients := make([]string, 0, len(participants))
	for _, id := range participants {
		if id != msg.SenderID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return
	}

	job := &notify.Job{
		RoomID:       msg.RoomID,
		MessageID:    msg.ID,
		SenderID:     msg.SenderID,
		RecipientIDs: recipients,
		Preview:      msg.Content,
	}
	s.runner.Submit("notify:push", func(taskCtx context.Context) error {
		return s.notifier.Enqueue(taskCtx, job)
	})
}
