package storage

import (
	"encoding/json"
	"errors"

	"palaestra/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeRunState(s model.RunState) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeRunState(data []byte) (model.RunState, error) {
	var state model.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return model.RunState{}, err
	}
	if err := checkVersion(state.VersionedRecord); err != nil {
		return model.RunState{}, err
	}
	return state, nil
}

func EncodePolicy(p model.Policy) ([]byte, error) {
	return json.Marshal(p)
}

func DecodePolicy(data []byte) (model.Policy, error) {
	var policy model.Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return model.Policy{}, err
	}
	if err := checkVersion(policy.VersionedRecord); err != nil {
		return model.Policy{}, err
	}
	return policy, nil
}

func EncodeMatrixCell(c model.MatrixCell) ([]byte, error) {
	return json.Marshal(c)
}

func DecodeMatrixCell(data []byte) (model.MatrixCell, error) {
	var cell model.MatrixCell
	if err := json.Unmarshal(data, &cell); err != nil {
		return model.MatrixCell{}, err
	}
	if err := checkVersion(cell.VersionedRecord); err != nil {
		return model.MatrixCell{}, err
	}
	return cell, nil
}

func EncodeEvalHistory(history []model.EvalPoint) ([]byte, error) {
	return json.Marshal(history)
}

func DecodeEvalHistory(data []byte) ([]model.EvalPoint, error) {
	var history []model.EvalPoint
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

// Versioned stamps the current schema and codec versions, for callers
// building fresh records.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}
