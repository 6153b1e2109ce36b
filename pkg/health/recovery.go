package health

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Amicidal/sigmachad-sacc/pkg/kvstore"
)

const recoveryKey = "sacc:recovery"

// KVRecoveryStore implements RecoveryStore over the KeyValue+Streams
// backend (spec §9 supplement: persist {activeSessionIDs, unfinishedJobIDs,
// ts} under sacc:recovery, read back at next startup for logging only).
type KVRecoveryStore struct {
	backend kvstore.Backend
}

// NewKVRecoveryStore constructs a KVRecoveryStore.
func NewKVRecoveryStore(backend kvstore.Backend) *KVRecoveryStore {
	return &KVRecoveryStore{backend: backend}
}

func (s *KVRecoveryStore) SaveRecoveryData(ctx context.Context, data RecoveryData) error {
	activeIDs, err := json.Marshal(data.ActiveSessionIDs)
	if err != nil {
		return err
	}
	jobIDs, err := json.Marshal(data.UnfinishedJobIDs)
	if err != nil {
		return err
	}
	return s.backend.HSet(ctx, recoveryKey, map[string]string{
		"activeSessionIds": string(activeIDs),
		"unfinishedJobIds": string(jobIDs),
		"timestamp":        data.Timestamp.Format(time.RFC3339Nano),
	})
}

func (s *KVRecoveryStore) LoadRecoveryData(ctx context.Context) (RecoveryData, error) {
	fields, err := s.backend.HGetAll(ctx, recoveryKey)
	if err != nil {
		return RecoveryData{}, err
	}
	var data RecoveryData
	if raw, ok := fields["activeSessionIds"]; ok {
		_ = json.Unmarshal([]byte(raw), &data.ActiveSessionIDs)
	}
	if raw, ok := fields["unfinishedJobIds"]; ok {
		_ = json.Unmarshal([]byte(raw), &data.UnfinishedJobIDs)
	}
	if raw, ok := fields["timestamp"]; ok {
		data.Timestamp, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return data, nil
}
