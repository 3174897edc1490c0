package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType enumerates the supported streaming commands.
type CommandType string

const (
	CommandDraw   CommandType = "draw"
	CommandVoice  CommandType = "voice"
	CommandCamera CommandType = "camera"
	CommandScene  CommandType = "scene"
)

// DrawOperation identifies the lifecycle step applied to a drawn object.
type DrawOperation string

const (
	OperationCreate DrawOperation = "create"
	OperationUpdate DrawOperation = "update"
	OperationDelete DrawOperation = "delete"
)

// ObjectType identifies the kind of object a draw command targets.
type ObjectType string

const (
	ObjectEquation   ObjectType = "equation"
	ObjectGraph      ObjectType = "graph"
	ObjectShape      ObjectType = "shape"
	ObjectAnnotation ObjectType = "annotation"
)

// Easing names the interpolation curve of a camera transition.
type Easing string

const (
	EasingLinear    Easing = "linear"
	EasingEaseIn    Easing = "ease-in"
	EasingEaseOut   Easing = "ease-out"
	EasingEaseInOut Easing = "ease-in-out"
)

// SceneTransition names the visual transition between scenes.
type SceneTransition string

const (
	TransitionFade  SceneTransition = "fade"
	TransitionSlide SceneTransition = "slide"
	TransitionNone  SceneTransition = "none"
)

// Point is a position on the drawing surface.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Color is an RGBA color. Channels are 0-255, alpha is 0-1.
type Color struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

// UnmarshalJSON defaults alpha to fully opaque when omitted.
func (c *Color) UnmarshalJSON(data []byte) error {
	var wire struct {
		R float64  `json:"r"`
		G float64  `json:"g"`
		B float64  `json:"b"`
		A *float64 `json:"a"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	c.R, c.G, c.B = wire.R, wire.G, wire.B
	c.A = 1
	if wire.A != nil {
		c.A = *wire.A
	}
	return nil
}

// Domain bounds the x-range a graph expression is plotted over.
type Domain struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// DrawParams carries the free-form rendering parameters of a draw command.
type DrawParams struct {
	Position   *Point  `json:"position,omitempty"`
	Color      *Color  `json:"color,omitempty"`
	Latex      string  `json:"latex,omitempty"`
	FontSize   float64 `json:"fontSize,omitempty"`
	Expression string  `json:"expression,omitempty"`
	Domain     *Domain `json:"domain,omitempty"`
	Width      float64 `json:"width,omitempty"`
	Height     float64 `json:"height,omitempty"`
	Radius     float64 `json:"radius,omitempty"`
}

// DrawData creates, updates, or deletes an object on the drawing surface.
type DrawData struct {
	ObjectID   string        `json:"objectId"`
	Operation  DrawOperation `json:"operation"`
	ObjectType ObjectType    `json:"objectType"`
	Params     DrawParams    `json:"params"`
}

// VoiceData narrates text, optionally with a voice name and duration in ms.
type VoiceData struct {
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Duration int64  `json:"duration,omitempty"`
}

// CameraTransition animates a camera move over Duration milliseconds.
type CameraTransition struct {
	Duration int64  `json:"duration"`
	Easing   Easing `json:"easing"`
}

// CameraData moves or zooms the viewport.
type CameraData struct {
	Zoom       *float64          `json:"zoom,omitempty"`
	Position   *Point            `json:"position,omitempty"`
	Transition *CameraTransition `json:"transition,omitempty"`
}

// SceneData switches the active scene.
type SceneData struct {
	SceneID    string          `json:"sceneId"`
	Transition SceneTransition `json:"transition"`
	Duration   int64           `json:"duration"`
}

// UnmarshalJSON applies the wire defaults for transition and duration.
func (s *SceneData) UnmarshalJSON(data []byte) error {
	type alias SceneData
	var wire alias
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Transition == "" {
		wire.Transition = TransitionNone
	}
	*s = SceneData(wire)
	return nil
}

// Command is one timestamped instruction. Exactly one payload matching Type
// is set. Timestamp is milliseconds relative to the owning scene.
type Command struct {
	Type      CommandType
	Timestamp int64
	Draw      *DrawData
	Voice     *VoiceData
	Camera    *CameraData
	Scene     *SceneData
}

// NewDrawCommand builds a draw command at the given scene time.
func NewDrawCommand(timestamp int64, data DrawData) Command {
	return Command{Type: CommandDraw, Timestamp: timestamp, Draw: &data}
}

// NewVoiceCommand builds a voice command at the given scene time.
func NewVoiceCommand(timestamp int64, data VoiceData) Command {
	return Command{Type: CommandVoice, Timestamp: timestamp, Voice: &data}
}

// NewCameraCommand builds a camera command at the given scene time.
func NewCameraCommand(timestamp int64, data CameraData) Command {
	return Command{Type: CommandCamera, Timestamp: timestamp, Camera: &data}
}

// NewSceneCommand builds a scene transition command at the given scene time.
func NewSceneCommand(timestamp int64, data SceneData) Command {
	if data.Transition == "" {
		data.Transition = TransitionNone
	}
	return Command{Type: CommandScene, Timestamp: timestamp, Scene: &data}
}

var errMissingPayload = errors.New("missing payload")

// payload returns the variant matching Type.
func (c Command) payload() (any, error) {
	switch c.Type {
	case CommandDraw:
		if c.Draw == nil {
			return nil, errMissingPayload
		}
		return c.Draw, nil
	case CommandVoice:
		if c.Voice == nil {
			return nil, errMissingPayload
		}
		return c.Voice, nil
	case CommandCamera:
		if c.Camera == nil {
			return nil, errMissingPayload
		}
		return c.Camera, nil
	case CommandScene:
		if c.Scene == nil {
			return nil, errMissingPayload
		}
		return c.Scene, nil
	default:
		return nil, fmt.Errorf("unknown command type %q", c.Type)
	}
}

type commandWire struct {
	Type      CommandType     `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON renders the {"type","timestamp","data"} wire shape.
func (c Command) MarshalJSON() ([]byte, error) {
	data, err := c.payload()
	if err != nil {
		return nil, fmt.Errorf("%s command: %w", c.Type, err)
	}
	return json.Marshal(struct {
		Type      CommandType `json:"type"`
		Timestamp int64       `json:"timestamp"`
		Data      any         `json:"data"`
	}{c.Type, c.Timestamp, data})
}

// UnmarshalJSON parses the wire shape. It checks structure only; enum and
// range checks are performed by ValidateCommand.
func (c *Command) UnmarshalJSON(raw []byte) error {
	var wire commandWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	if wire.Type == "" {
		return errors.New("command missing type")
	}
	if missingValue(wire.Timestamp) {
		return errors.New("command missing timestamp")
	}
	ts, err := parseWireInteger(wire.Timestamp)
	if err != nil {
		return fmt.Errorf("command timestamp: %w", err)
	}
	if len(wire.Data) == 0 || string(wire.Data) == "null" {
		return fmt.Errorf("%s command missing data", wire.Type)
	}

	decoded := Command{Type: wire.Type, Timestamp: ts}
	switch wire.Type {
	case CommandDraw:
		decoded.Draw = &DrawData{}
		err = json.Unmarshal(wire.Data, decoded.Draw)
	case CommandVoice:
		decoded.Voice = &VoiceData{}
		err = json.Unmarshal(wire.Data, decoded.Voice)
	case CommandCamera:
		decoded.Camera = &CameraData{}
		err = json.Unmarshal(wire.Data, decoded.Camera)
	case CommandScene:
		decoded.Scene = &SceneData{}
		err = json.Unmarshal(wire.Data, decoded.Scene)
	default:
		return fmt.Errorf("unknown command type %q", wire.Type)
	}
	if err != nil {
		return fmt.Errorf("%s command data: %w", wire.Type, err)
	}
	*c = decoded
	return nil
}

// Clone returns a deep copy so callers cannot mutate shared payloads.
func (c Command) Clone() Command {
	cloned := c
	if c.Draw != nil {
		draw := *c.Draw
		if c.Draw.Params.Position != nil {
			p := *c.Draw.Params.Position
			draw.Params.Position = &p
		}
		if c.Draw.Params.Color != nil {
			col := *c.Draw.Params.Color
			draw.Params.Color = &col
		}
		if c.Draw.Params.Domain != nil {
			d := *c.Draw.Params.Domain
			draw.Params.Domain = &d
		}
		cloned.Draw = &draw
	}
	if c.Voice != nil {
		voice := *c.Voice
		cloned.Voice = &voice
	}
	if c.Camera != nil {
		camera := *c.Camera
		if c.Camera.Zoom != nil {
			z := *c.Camera.Zoom
			camera.Zoom = &z
		}
		if c.Camera.Position != nil {
			p := *c.Camera.Position
			camera.Position = &p
		}
		if c.Camera.Transition != nil {
			tr := *c.Camera.Transition
			camera.Transition = &tr
		}
		cloned.Camera = &camera
	}
	if c.Scene != nil {
		scene := *c.Scene
		cloned.Scene = &scene
	}
	return cloned
}
