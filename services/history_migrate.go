package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"taranqi/models"
)

const historySchemaVersion = 1

var errUnsupportedVersion = errors.New("unsupported history schema version")

type historyEnvelope struct {
	Version  int                   `json:"version"`
	Sessions []*models.ChatSession `json:"sessions"`
}

type rawEnvelope struct {
	Version  int             `json:"version"`
	Sessions json.RawMessage `json:"sessions"`
}

// historyMigrations[v] turns the sessions payload of schema v into v+1.
var historyMigrations = map[int]func(json.RawMessage) (json.RawMessage, error){
	0: migrateHistoryV0,
}

// Version 0 is the bare session array the browser widget wrote. Its
// entries already have the v1 session layout; only the envelope is new.
func migrateHistoryV0(payload json.RawMessage) (json.RawMessage, error) {
	if !bytes.HasPrefix(payload, []byte("[")) {
		return nil, errors.New("v0 history is not an array")
	}
	return payload, nil
}

func decodeHistory(raw []byte) ([]*models.ChatSession, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty history payload")
	}

	var (
		version int
		payload json.RawMessage
	)
	if raw[0] == '[' {
		payload = raw
	} else {
		var env rawEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		version, payload = env.Version, env.Sessions
	}

	if version > historySchemaVersion {
		return nil, fmt.Errorf("%w: %d", errUnsupportedVersion, version)
	}
	for ; version < historySchemaVersion; version++ {
		migrate, ok := historyMigrations[version]
		if !ok {
			return nil, fmt.Errorf("%w: no migration from %d", errUnsupportedVersion, version)
		}
		var err error
		if payload, err = migrate(payload); err != nil {
			return nil, fmt.Errorf("migrate history v%d: %w", version, err)
		}
	}

	if len(payload) == 0 || string(payload) == "null" {
		return nil, nil
	}

	var sessions []*models.ChatSession
	if err := json.Unmarshal(payload, &sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}

	out := sessions[:0]
	for _, s := range sessions {
		if s == nil || s.ID == "" {
			continue
		}
		if s.Messages == nil {
			s.Messages = []models.Message{}
		}
		out = append(out, s)
	}
	return out, nil
}

func encodeHistory(sessions []*models.ChatSession) ([]byte, error) {
	if sessions == nil {
		sessions = []*models.ChatSession{}
	}
	return json.Marshal(historyEnvelope{
		Version:  historySchemaVersion,
		Sessions: sessions,
	})
}
