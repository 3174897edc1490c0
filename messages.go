package server

import "mathstream/server/internal/net/proto"

// WelcomeSceneID is the scene announced to every new connection.
const WelcomeSceneID = "welcome"

func welcomeMessage() ([]byte, error) {
	cmd := proto.NewSceneCommand(0, proto.SceneData{
		SceneID:    WelcomeSceneID,
		Transition: proto.TransitionNone,
		Duration:   0,
	})
	return proto.EncodeMessage(proto.CreateMessage(cmd, proto.ServerClientID))
}
