package app

import (
	"context"
	"fmt"

	"mathstream/server/internal/client"
	servernet "mathstream/server/internal/net"
	"mathstream/server/internal/player"
	"mathstream/server/internal/telemetry"
)

// presenter is a stream client inside the server that plays scenes on
// request. It is the Presenter behind the /api/scenes routes.
type presenter struct {
	client *client.Client
	player *player.Player
	url    string
	logger telemetry.Logger
}

func newPresenter(clientCfg client.Config, playerCfg player.Config, url string, logger telemetry.Logger) *presenter {
	c := client.New(clientCfg)
	return &presenter{
		client: c,
		player: player.New(c, playerCfg),
		url:    url,
		logger: logger,
	}
}

// Connect dials the stream. A failed dial is retried in the background.
func (p *presenter) Connect(ctx context.Context) {
	if err := p.client.Connect(ctx, p.url); err != nil {
		p.logger.Printf("presenter could not reach %s yet: %v", p.url, err)
	}
}

func (p *presenter) AddScene(scene player.Scene) error {
	return p.player.AddScene(scene)
}

func (p *presenter) Scenes() []player.SceneSummary {
	return p.player.Scenes()
}

func (p *presenter) PlayScene(id string) error {
	if _, ok := p.player.Scene(id); !ok {
		return fmt.Errorf("%w: %s", player.ErrSceneNotFound, id)
	}
	if !p.client.Connected() {
		return servernet.ErrPresenterUnavailable
	}
	return p.player.PlayScene(id)
}

func (p *presenter) StopScene() {
	p.player.StopScene()
}

func (p *presenter) Status() servernet.PresenterStatus {
	status := servernet.PresenterStatus{
		Enabled: true,
		State:   p.client.State().String(),
	}
	if id, elapsed, ok := p.player.Current(); ok {
		status.Playing = true
		status.SceneID = id
		status.ElapsedMillis = elapsed.Milliseconds()
	}
	return status
}

func (p *presenter) Close() {
	p.player.Close()
	p.client.Disconnect()
}
