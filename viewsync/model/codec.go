package model

import (
	"encoding/json"
	"fmt"
)

// MarshalRecord encodes a journal record for storage
func MarshalRecord(record JournalRecord) ([]byte, error) {
	data, err := json.Marshal(record)

	if err != nil {
		return nil, fmt.Errorf("could not marshal journal record: %s", err.Error())
	}

	return data, nil
}

// UnmarshalRecord decodes a journal record
func UnmarshalRecord(data []byte) (JournalRecord, error) {
	var record JournalRecord

	if err := json.Unmarshal(data, &record); err != nil {
		return JournalRecord{}, fmt.Errorf("could not unmarshal journal record: %s", err.Error())
	}

	return record, nil
}

// MarshalEntity encodes a materialized entity for storage
func MarshalEntity(entity Entity) ([]byte, error) {
	data, err := json.Marshal(entity)

	if err != nil {
		return nil, fmt.Errorf("could not marshal entity: %s", err.Error())
	}

	return data, nil
}

// UnmarshalEntity decodes a materialized entity
func UnmarshalEntity(data []byte) (Entity, error) {
	var entity Entity

	if err := json.Unmarshal(data, &entity); err != nil {
		return Entity{}, fmt.Errorf("could not unmarshal entity: %s", err.Error())
	}

	return entity, nil
}

// MarshalViewRow encodes a view row for storage
func MarshalViewRow(row ViewRow) ([]byte, error) {
	data, err := json.Marshal(row)

	if err != nil {
		return nil, fmt.Errorf("could not marshal view row: %s", err.Error())
	}

	return data, nil
}

// UnmarshalViewRow decodes a view row
func UnmarshalViewRow(data []byte) (ViewRow, error) {
	var row ViewRow

	if err := json.Unmarshal(data, &row); err != nil {
		return ViewRow{}, fmt.Errorf("could not unmarshal view row: %s", err.Error())
	}

	return row, nil
}

// MarshalProgress encodes a progress record for storage
func MarshalProgress(progress ViewProgress) ([]byte, error) {
	data, err := json.Marshal(progress)

	if err != nil {
		return nil, fmt.Errorf("could not marshal view progress: %s", err.Error())
	}

	return data, nil
}

// UnmarshalProgress decodes a progress record
func UnmarshalProgress(data []byte) (ViewProgress, error) {
	var progress ViewProgress

	if err := json.Unmarshal(data, &progress); err != nil {
		return ViewProgress{}, fmt.Errorf("could not unmarshal view progress: %s", err.Error())
	}

	return progress, nil
}

// MarshalViewDefinition encodes a view definition for storage
func MarshalViewDefinition(def ViewDefinition) ([]byte, error) {
	data, err := json.Marshal(def)

	if err != nil {
		return nil, fmt.Errorf("could not marshal view definition: %s", err.Error())
	}

	return data, nil
}

// UnmarshalViewDefinition decodes a view definition
func UnmarshalViewDefinition(data []byte) (ViewDefinition, error) {
	var def ViewDefinition

	if err := json.Unmarshal(data, &def); err != nil {
		return ViewDefinition{}, fmt.Errorf("could not unmarshal view definition: %s", err.Error())
	}

	return def, nil
}
