package service

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relaypoint/relaypoint/internal/audit"
	"github.com/relaypoint/relaypoint/internal/domain"
	"github.com/relaypoint/relaypoint/pkg/log"
)

// markConcurrency bounds the parallel receipt upserts of one batch.
const markConcurrency = 8

// MarkBatchAsRead bulk-acknowledges messages for a user. The caller's
// own messages are skipped, never errored; duplicate marks resolve as
// success through the (message, user) unique constraint; and the batch
// settles every id rather than failing as a whole, so 97 good marks
// survive 3 bad ones.
func (s *messageServiceImpl) MarkBatchAsRead(ctx context.Context, userID string, messageIDs []string) (*domain.BatchReadResult, error) {
	if len(messageIDs) == 0 {
		return nil, ErrInvalidInput
	}
	if len(messageIDs) > MaxBatchSize {
		return nil, ErrInvalidInput
	}

	result := &domain.BatchReadResult{Total: len(messageIDs)}

	msgs, err := s.messages.GetByIDs(ctx, messageIDs)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*domain.Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
	}

	var (
		mu           sync.Mutex
		markedByRoom = make(map[string][]string)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(markConcurrency)

	for _, id := range messageIDs {
		msg, ok := byID[id]
		if !ok {
			// Dangling reference: settle as a failure for this id only.
			log.Ctx(ctx).Debug().Str(log.FieldMessageID, id).Msg("batch read target missing")
			continue
		}
		if msg.SenderID == userID {
			result.Skipped++
			continue
		}

		roomID := msg.RoomID
		messageID := id
		g.Go(func() error {
			created, err := s.messages.UpsertReadReceipt(gctx, messageID, userID)
			if err != nil {
				// Settle-all: one failed mark never sinks the batch.
				log.Ctx(gctx).Warn().Err(err).Str(log.FieldMessageID, messageID).Msg("read receipt upsert failed")
				return nil
			}
			if !created {
				// Already read; the conflict resolved as success, not a mark.
				return nil
			}
			mu.Lock()
			result.Marked++
			markedByRoom[roomID] = append(markedByRoom[roomID], messageID)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	audit.LogWithDetail(ctx, audit.ActionBatchRead, userID,
		strconv.Itoa(result.Marked)+"/"+strconv.Itoa(result.Total), "batch read receipts")

	for roomID, ids := range markedByRoom {
		payload := domain.ReceiptEventPayload{
			RoomID:     roomID,
			UserID:     userID,
			MessageIDs: ids,
		}
		room := roomID
		s.runner.Submit("broadcast:receipt", func(taskCtx context.Context) error {
			return s.emitter.Emit(taskCtx, domain.EventReadReceipt, room, payload)
		})
	}

	return result, nil
}
