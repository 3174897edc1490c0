package player

import "mathstream/server/internal/net/proto"

// SampleSceneID identifies the built-in demonstration scene.
const SampleSceneID = "sample-1"

// SampleScene returns the built-in fifteen second introduction scene.
func SampleScene() Scene {
	return Scene{
		ID:       SampleSceneID,
		Name:     "Introduction to Math Concepts",
		Duration: 15000,
		Commands: []proto.Command{
			proto.NewDrawCommand(100, proto.DrawData{
				ObjectID:   "grid1",
				Operation:  proto.OperationCreate,
				ObjectType: proto.ObjectShape,
				Params: proto.DrawParams{
					Position: &proto.Point{X: 0, Y: 0},
					Color:    &proto.Color{R: 200, G: 200, B: 200, A: 1},
				},
			}),
			proto.NewVoiceCommand(500, proto.VoiceData{
				Text:     "Welcome to our mathematical visualization system.",
				Duration: 3000,
			}),
			proto.NewDrawCommand(3000, proto.DrawData{
				ObjectID:   "eq1",
				Operation:  proto.OperationCreate,
				ObjectType: proto.ObjectEquation,
				Params: proto.DrawParams{
					Latex:    "E = mc²",
					Position: &proto.Point{X: 200, Y: 160},
					FontSize: 48,
					Color:    &proto.Color{R: 0, G: 0, B: 0, A: 1},
				},
			}),
			proto.NewVoiceCommand(3500, proto.VoiceData{
				Text:     "Einstein's mass-energy equivalence equation states that energy equals mass times the speed of light squared.",
				Duration: 5000,
			}),
			proto.NewDrawCommand(8000, proto.DrawData{
				ObjectID:   "graph1",
				Operation:  proto.OperationCreate,
				ObjectType: proto.ObjectGraph,
				Params: proto.DrawParams{
					Expression: "sin(x) * 50 + 300",
					Position:   &proto.Point{X: 0, Y: 0},
					Domain:     &proto.Domain{Min: 0, Max: 10},
					Color:      &proto.Color{R: 0, G: 100, B: 255, A: 1},
				},
			}),
			proto.NewVoiceCommand(9000, proto.VoiceData{
				Text:     "Here we see a sine wave, one of the fundamental waveforms in mathematics and physics.",
				Duration: 4000,
			}),
			proto.NewCameraCommand(13000, proto.CameraData{
				Position: &proto.Point{X: 200, Y: 200},
				Transition: &proto.CameraTransition{
					Duration: 2000,
					Easing:   proto.EasingEaseInOut,
				},
			}),
		},
	}
}
