package proto

import "encoding/json"

// CommandEnvelope documents the wire shape of Command for schema generation.
type CommandEnvelope struct {
	Type      CommandType     `json:"type" jsonschema:"enum=draw,enum=voice,enum=camera,enum=scene"`
	Timestamp int64           `json:"timestamp" jsonschema:"minimum=0"`
	Data      json.RawMessage `json:"data" jsonschema:"description=payload matching type: DrawData or VoiceData or CameraData or SceneData"`
}

// MessageEnvelope documents the wire shape of Message for schema generation.
type MessageEnvelope struct {
	ID       string          `json:"id" jsonschema:"minLength=1"`
	Command  CommandEnvelope `json:"command"`
	Metadata Metadata        `json:"metadata"`
}

// Document groups the envelope and every payload so a single reflected
// schema carries all wire definitions.
type Document struct {
	Message MessageEnvelope `json:"message"`
	Draw    DrawData        `json:"draw"`
	Voice   VoiceData       `json:"voice"`
	Camera  CameraData      `json:"camera"`
	Scene   SceneData       `json:"scene"`
}
