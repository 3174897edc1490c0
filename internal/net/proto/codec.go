package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrDecode is matched by every error returned from DecodeMessage and
// DecodeCommand.
var ErrDecode = errors.New("decode failed")

// DecodeError reports why a payload was rejected.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode message: " + e.Reason
	}
	return fmt.Sprintf("decode message: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports true for ErrDecode so callers can match any decode failure.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func decodeError(reason string, err error) *DecodeError {
	return &DecodeError{Reason: reason, Err: err}
}

type metadataWire struct {
	ClientID  *string         `json:"clientId"`
	Timestamp json.RawMessage `json:"timestamp"`
	Version   string          `json:"version"`
}

func missingValue(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// parseWireInteger accepts only a bare JSON number holding an integer.
// Quoted numbers are rejected.
func parseWireInteger(raw json.RawMessage) (int64, error) {
	token := strings.TrimSpace(string(raw))
	if token == "" || (token[0] != '-' && (token[0] < '0' || token[0] > '9')) {
		return 0, fmt.Errorf("%s is not a number", token)
	}
	value, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s is not an integer", token)
	}
	return value, nil
}

type messageWire struct {
	ID       *string         `json:"id"`
	Command  json.RawMessage `json:"command"`
	Metadata *metadataWire   `json:"metadata"`
}

// EncodeMessage renders msg as JSON. Output is deterministic for equal
// messages.
func EncodeMessage(msg Message) ([]byte, error) {
	if msg.Metadata.Version == "" {
		msg.Metadata.Version = Version
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return data, nil
}

// DecodeMessage parses and validates a wire message. It never panics; every
// failure is a *DecodeError.
func DecodeMessage(data []byte) (Message, error) {
	var wire messageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, decodeError("malformed json", err)
	}
	if wire.ID == nil || *wire.ID == "" {
		return Message{}, decodeError("missing id", nil)
	}
	if len(wire.Command) == 0 || string(wire.Command) == "null" {
		return Message{}, decodeError("missing command", nil)
	}
	if wire.Metadata == nil {
		return Message{}, decodeError("missing metadata", nil)
	}
	if wire.Metadata.ClientID == nil {
		return Message{}, decodeError("missing metadata.clientId", nil)
	}
	if missingValue(wire.Metadata.Timestamp) {
		return Message{}, decodeError("missing metadata.timestamp", nil)
	}
	sentAt, err := parseWireInteger(wire.Metadata.Timestamp)
	if err != nil {
		return Message{}, decodeError("invalid metadata.timestamp", err)
	}
	version := wire.Metadata.Version
	if version == "" {
		version = Version
	}
	if !supportedVersion(version) {
		return Message{}, decodeError(fmt.Sprintf("unsupported protocol version %q", version), nil)
	}

	cmd, err := DecodeCommand(wire.Command)
	if err != nil {
		return Message{}, err
	}

	return Message{
		ID:      *wire.ID,
		Command: cmd,
		Metadata: Metadata{
			ClientID:  *wire.Metadata.ClientID,
			Timestamp: sentAt,
			Version:   version,
		},
	}, nil
}

// DecodeCommand parses and validates a single command.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, decodeError("invalid command", err)
	}
	if err := ValidateCommand(cmd); err != nil {
		return Command{}, decodeError("invalid command", err)
	}
	return cmd, nil
}

func supportedVersion(version string) bool {
	major, _, _ := strings.Cut(version, ".")
	return major == "1"
}

// ValidateCommand checks the enum and range constraints of cmd.
func ValidateCommand(cmd Command) error {
	if cmd.Timestamp < 0 {
		return fmt.Errorf("negative timestamp %d", cmd.Timestamp)
	}
	if _, err := cmd.payload(); err != nil {
		return err
	}
	switch cmd.Type {
	case CommandDraw:
		return validateDraw(cmd.Draw)
	case CommandVoice:
		return validateVoice(cmd.Voice)
	case CommandCamera:
		return validateCamera(cmd.Camera)
	case CommandScene:
		return validateScene(cmd.Scene)
	}
	return nil
}

func validateDraw(d *DrawData) error {
	if d.ObjectID == "" {
		return errors.New("draw missing objectId")
	}
	switch d.Operation {
	case OperationCreate, OperationUpdate, OperationDelete:
	default:
		return fmt.Errorf("draw operation %q not supported", d.Operation)
	}
	switch d.ObjectType {
	case ObjectEquation, ObjectGraph, ObjectShape, ObjectAnnotation:
	default:
		return fmt.Errorf("draw objectType %q not supported", d.ObjectType)
	}
	if c := d.Params.Color; c != nil {
		for _, channel := range []float64{c.R, c.G, c.B} {
			if channel < 0 || channel > 255 {
				return fmt.Errorf("color channel %v out of range", channel)
			}
		}
		if c.A < 0 || c.A > 1 {
			return fmt.Errorf("color alpha %v out of range", c.A)
		}
	}
	return nil
}

func validateVoice(v *VoiceData) error {
	if v.Text == "" {
		return errors.New("voice missing text")
	}
	if v.Duration < 0 {
		return fmt.Errorf("negative voice duration %d", v.Duration)
	}
	return nil
}

func validateCamera(c *CameraData) error {
	if c.Transition == nil {
		return nil
	}
	if c.Transition.Duration < 0 {
		return fmt.Errorf("negative camera transition duration %d", c.Transition.Duration)
	}
	switch c.Transition.Easing {
	case EasingLinear, EasingEaseIn, EasingEaseOut, EasingEaseInOut:
	default:
		return fmt.Errorf("camera easing %q not supported", c.Transition.Easing)
	}
	return nil
}

func validateScene(s *SceneData) error {
	if s.SceneID == "" {
		return errors.New("scene missing sceneId")
	}
	switch s.Transition {
	case TransitionFade, TransitionSlide, TransitionNone:
	default:
		return fmt.Errorf("scene transition %q not supported", s.Transition)
	}
	if s.Duration < 0 {
		return fmt.Errorf("negative scene duration %d", s.Duration)
	}
	return nil
}
