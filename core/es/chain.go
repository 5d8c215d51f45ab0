package es

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/blake2b"
)

const cidPrefix = "b2:"

type cidContent struct {
	ID            string          `json:"event_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Type          string          `json:"event_type"`
	Version       Version         `json:"version"`
	OccurredAt    string          `json:"timestamp"`
	Data          json.RawMessage `json:"event"`
	PreviousCID   string          `json:"previous_cid"`
}

// ComputeCID derives the content identifier of env from everything except
// Seq and CID itself. The result is "b2:" followed by the hex blake2b-256
// digest of a fixed-order JSON encoding.
func ComputeCID(env Envelope) (string, error) {
	data := env.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	b, err := json.Marshal(cidContent{
		ID:            env.ID,
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID,
		Type:          env.Type,
		Version:       env.Version,
		OccurredAt:    env.OccurredAt.UTC().Format(time.RFC3339Nano),
		Data:          data,
		PreviousCID:   env.PreviousCID,
	})
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(b)
	return cidPrefix + hex.EncodeToString(sum[:]), nil
}

// Chain links env to previousCID, stamping PreviousCID and CID.
func Chain(env Envelope, previousCID string) (Envelope, error) {
	env.OccurredAt = env.OccurredAt.UTC()
	env.PreviousCID = previousCID
	cid, err := ComputeCID(env)
	if err != nil {
		return env, err
	}
	env.CID = cid
	return env, nil
}

// VerifyChain checks a contiguous slice of one aggregate stream. anchorCID is
// the CID of the event right before envs[0], empty when envs starts at the
// beginning of the stream (or at a snapshot without a recorded CID).
func VerifyChain(envs []Envelope, anchorCID string) error {
	prev := anchorCID
	for i, env := range envs {
		fail := func(reason, expected, actual string) error {
			return &ChainIntegrityError{
				AggregateType: env.AggregateType,
				AggregateID:   env.AggregateID,
				Version:       env.Version,
				Reason:        reason,
				Expected:      expected,
				Actual:        actual,
			}
		}
		if i > 0 {
			if env.Version != envs[i-1].Version+1 {
				return fail("version gap", (envs[i-1].Version + 1).String(), env.Version.String())
			}
		} else if anchorCID == "" && env.Version == 1 && env.PreviousCID != "" {
			return fail("first event has previous_cid", "", env.PreviousCID)
		}
		if env.PreviousCID != prev {
			return fail("previous_cid mismatch", prev, env.PreviousCID)
		}
		cid, err := ComputeCID(env)
		if err != nil {
			return err
		}
		if cid != env.CID {
			return fail("cid does not match content", cid, env.CID)
		}
		prev = env.CID
	}
	return nil
}
