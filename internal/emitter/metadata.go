package emitter

import "encoding/json"

// emittedMetadata is the JSON shape persisted as an emitted event's
// metadata: the CheckpointTag that caused the emit, the ProjectionVersion
// of the emitter that wrote it, and whatever extra fields the caller
// attached. It is deliberately flat and self-describing so any projection
// reading the stream later can parse it without knowing who wrote it.
type emittedMetadata struct {
	CommitPosition  int64             `json:"commitPosition"`
	PreparePosition int64             `json:"preparePosition"`
	ProjectionID    string            `json:"projectionId"`
	Epoch           int64             `json:"epoch"`
	Version         int64             `json:"version"`
	Extra           map[string]string `json:"extra,omitempty"`
}

func encodeMetadata(tag CheckpointTag, pv ProjectionVersion, extra map[string]string) ([]byte, error) {
	m := emittedMetadata{
		CommitPosition:  tag.CommitPosition,
		PreparePosition: tag.PreparePosition,
		ProjectionID:    pv.ProjectionID,
		Epoch:           pv.Epoch,
		Version:         pv.Version,
		Extra:           extra,
	}
	return json.Marshal(m)
}

func decodeMetadata(data []byte) (CheckpointTag, ProjectionVersion, error) {
	var m emittedMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return CheckpointTag{}, ProjectionVersion{}, err
	}
	tag := CheckpointTag{CommitPosition: m.CommitPosition, PreparePosition: m.PreparePosition}
	pv := ProjectionVersion{ProjectionID: m.ProjectionID, Epoch: m.Epoch, Version: m.Version}
	return tag, pv, nil
}
