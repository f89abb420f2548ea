package storage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"agentcron/internal/task/job"
)

func encodeStore(st *job.Store) ([]byte, error) {
	if st == nil {
		st = job.NewStore()
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// decodeStore parses a persisted store. Empty input is a fresh store.
func decodeStore(b []byte) (*job.Store, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return job.NewStore(), nil
	}
	st := &job.Store{}
	if err := json.Unmarshal(b, st); err != nil {
		return nil, err
	}
	if st.Version > job.CurrentVersion {
		return nil, fmt.Errorf("store version %d is newer than supported %d", st.Version, job.CurrentVersion)
	}
	st.Normalize()
	return st, nil
}
