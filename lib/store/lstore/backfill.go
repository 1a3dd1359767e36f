package lstore

import (
	"context"

	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Receiving Side
// --------------------------------------------------------------------------

func (s *storeImpl) BackfilleeBegin() (store.BackfillRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateReceiving, stateSending:
		return store.BackfillRequest{}, store.Errorf(store.RetCBackfilling, "store %s is %s", s.name, s.state)
	}

	ts := store.Timestamp(s.timestamp.Load())
	if s.state == stateIncoherent {
		// the content is a partial stream, only a full backfill can repair it
		ts = 0
	}
	s.state = stateReceiving
	s.session = uuid.New()
	s.watermark.Store(uint64(ts))

	log.Infof("Store %s receives backfill %s from timestamp %d", s.name, s.session, ts)
	return store.BackfillRequest{Region: s.region, Timestamp: ts, SessionID: s.session}, nil
}

func (s *storeImpl) BackfilleeChunk(chunk store.BackfillChunk) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != stateReceiving {
		return store.Errorf(store.RetCInvalidOperation, "store %s is %s, not receiving", s.name, s.state)
	}
	if watermark := store.Timestamp(s.watermark.Load()); chunk.Timestamp < watermark {
		return store.Errorf(store.RetCStaleTimestamp, "chunk timestamp %d is older than %d", chunk.Timestamp, watermark)
	}
	s.chunksReceived.Inc()

	switch chunk.Kind {
	case store.ChunkDeleteRange:
		if !s.region.ContainsRegion(chunk.Range) {
			return store.Errorf(store.RetCOutOfRegion, "delete range %s outside of region %s", chunk.Range, s.region)
		}
		if err := s.deleteRange(chunk.Range.Start, chunk.Range.End, chunk.Timestamp); err != nil {
			return storeError(err, "delete range %s", chunk.Range)
		}
		// the range is refilled with older timestamps, the tombstones of this delete
		// would contradict them in later minimal diffs
		s.tree.ResetDeletions(uint64(chunk.Timestamp))
		if chunk.Range.Equal(s.region) {
			// everything is replaced, entries keep their original timestamps
			s.watermark.Store(0)
		}
		return nil
	case store.ChunkDeleteKey:
		if !s.region.Contains(chunk.Key) {
			return store.Errorf(store.RetCOutOfRegion, "key %q outside of region %s", chunk.Key, s.region)
		}
		_, err := s.deleteKey(chunk.Key, chunk.Timestamp)
		return storeError(err, "delete %q", chunk.Key)
	case store.ChunkSetKey:
		if !s.region.Contains(chunk.Key) {
			return store.Errorf(store.RetCOutOfRegion, "key %q outside of region %s", chunk.Key, s.region)
		}
		if !chunk.Value.Kind.Valid() {
			return store.Errorf(store.RetCInvalidOperation, "invalid kind %d", chunk.Value.Kind)
		}
		_, err := s.setKey(chunk.Key, chunk.Value, chunk.Timestamp)
		return storeError(err, "set %q", chunk.Key)
	default:
		return store.Errorf(store.RetCInvalidOperation, "unknown chunk kind %s", chunk.Kind)
	}
}

func (s *storeImpl) BackfilleeEnd(end store.BackfillEnd) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateReceiving {
		return store.Errorf(store.RetCInvalidOperation, "store %s is %s, not receiving", s.name, s.state)
	}
	if end.SessionID != s.session {
		return store.Errorf(store.RetCInvalidOperation, "backfill %s ended, but %s is running", end.SessionID, s.session)
	}
	if watermark := store.Timestamp(s.watermark.Load()); end.Timestamp < watermark {
		return store.Errorf(store.RetCStaleTimestamp, "backfill ends at %d before %d", end.Timestamp, watermark)
	}

	s.timestamp.Store(uint64(end.Timestamp))
	s.state = stateCoherent
	s.session = uuid.Nil
	log.Infof("Store %s finished backfill at timestamp %d", s.name, end.Timestamp)
	return nil
}

func (s *storeImpl) BackfilleeCancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateReceiving {
		return store.Errorf(store.RetCInvalidOperation, "store %s is %s, not receiving", s.name, s.state)
	}
	s.state = stateIncoherent
	log.Warningf("Store %s cancelled backfill %s and is incoherent", s.name, s.session)
	s.session = uuid.Nil
	return nil
}

// --------------------------------------------------------------------------
// Sending Side
// --------------------------------------------------------------------------

func (s *storeImpl) Backfiller(ctx context.Context, req store.BackfillRequest, sink store.ChunkSink) (store.BackfillEnd, error) {
	end, err := s.beginSending(req)
	if err != nil {
		return store.BackfillEnd{}, err
	}
	defer s.endSending()

	if err := s.stream(ctx, req, end.Timestamp, sink); err != nil {
		return store.BackfillEnd{}, err
	}
	log.Infof("Store %s sent backfill %s up to timestamp %d", s.name, req.SessionID, end.Timestamp)
	return end, nil
}

// beginSending checks the preconditions and holds back writes until endSending
func (s *storeImpl) beginSending(req store.BackfillRequest) (store.BackfillEnd, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateReceiving, stateIncoherent:
		return store.BackfillEnd{}, store.Errorf(store.RetCNotCoherent, "store %s is %s", s.name, s.state)
	case stateSending:
		return store.BackfillEnd{}, store.Errorf(store.RetCBackfilling, "store %s is already sending", s.name)
	}
	if !req.Region.Equal(s.region) {
		return store.BackfillEnd{}, store.Errorf(store.RetCInvalidOperation, "backfill of %s requested from %s", req.Region, s.region)
	}
	ts := store.Timestamp(s.timestamp.Load())
	if req.Timestamp > ts {
		return store.BackfillEnd{}, store.Errorf(store.RetCInvalidOperation, "receiver at %d is ahead of %d", req.Timestamp, ts)
	}
	s.state = stateSending
	return store.BackfillEnd{Timestamp: ts, SessionID: req.SessionID}, nil
}

func (s *storeImpl) endSending() {
	s.mu.Lock()
	s.state = stateCoherent
	s.mu.Unlock()
}

// stream sends the minimal diff between the receiver at req.Timestamp and this store at ts.
// Deletions are sent before entries so a key deleted and written again ends up written.
func (s *storeImpl) stream(ctx context.Context, req store.BackfillRequest, ts store.Timestamp, sink store.ChunkSink) error {
	send := func(chunk store.BackfillChunk) error {
		if err := ctx.Err(); err != nil {
			return store.Errorf(store.RetCInterrupted, "backfill %s: %v", req.SessionID, err)
		}
		if err := sink.Send(chunk); err != nil {
			return err
		}
		s.chunksSent.Inc()
		return nil
	}

	tombstones, complete := s.tree.DeletionsSince(uint64(req.Timestamp))
	full := req.Timestamp == 0 || !complete
	if full {
		if err := send(store.BackfillChunk{Kind: store.ChunkDeleteRange, Range: s.region, Timestamp: ts}); err != nil {
			return err
		}
	} else {
		for _, t := range tombstones {
			if !s.region.Contains(t.Key) {
				continue
			}
			chunk := store.BackfillChunk{Kind: store.ChunkDeleteKey, Key: t.Key, Timestamp: store.Timestamp(t.Timestamp)}
			if err := send(chunk); err != nil {
				return err
			}
		}
	}

	start := s.region.Start
	for {
		entries, next, err := s.collect(start, s.region.End, req.Timestamp, full)
		if err != nil {
			return storeError(err, "backfill %s", req.SessionID)
		}
		for _, e := range entries {
			chunk := store.BackfillChunk{Kind: store.ChunkSetKey, Key: e.Key, Value: e.Value, Timestamp: e.Timestamp}
			if err := send(chunk); err != nil {
				return err
			}
		}
		if next == nil {
			return nil
		}
		start = next
	}
}
