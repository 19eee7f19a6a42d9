package host

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"git.home.luguber.info/inful/applianced/internal/channel"
	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
	"git.home.luguber.info/inful/applianced/internal/plugin"
)

const (
	logsPluginName = "logs"

	ActionLogsFollow = "logs:follow"
	ActionLogsStop   = "logs:stop"

	logsResource = "logs"
)

// FollowRequest is the payload of logs:follow.
type FollowRequest struct {
	Unit string `json:"unit,omitempty"`
}

// LogLine is the payload of a logs event.
type LogLine struct {
	Unit string `json:"unit,omitempty"`
	Line string `json:"line"`
}

// logsPlugin gives each observer its own journal stream.
type logsPlugin struct {
	plugin.Base
	command  []string
	streamer Streamer
}

func newLogsPlugin(deps Deps) *logsPlugin {
	return &logsPlugin{command: deps.Config.Logs.Command, streamer: deps.Streamer}
}

func (p *logsPlugin) Metadata() plugin.Metadata {
	return metadata(logsPluginName, "Per-observer system log streams")
}

func (p *logsPlugin) OnConnection(_ context.Context, obs *channel.Observer, _ plugin.Host) error {
	obs.Handle(ActionLogsFollow, func(_ context.Context, data json.RawMessage) error {
		var req FollowRequest
		if len(data) > 0 {
			if err := json.Unmarshal(data, &req); err != nil {
				return ferrors.ValidationError("invalid logs:follow payload").Build()
			}
		}
		argv, err := p.followCommand(req.Unit)
		if err != nil {
			return err
		}
		s, err := p.streamer.Stream(argv, func(line string) {
			obs.Emit(EventLogs, LogLine{Unit: req.Unit, Line: line})
		})
		if err != nil {
			return err
		}
		return obs.Attach(logsResource, s)
	})
	obs.Handle(ActionLogsStop, func(context.Context, json.RawMessage) error {
		return obs.Detach(logsResource)
	})
	return nil
}

func (p *logsPlugin) followCommand(unit string) ([]string, error) {
	if len(p.command) == 0 {
		return nil, ferrors.ConfigError("log stream command is not configured").Build()
	}
	argv := slices.Clone(p.command)
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return argv, nil
	}
	if strings.HasPrefix(unit, "-") || strings.ContainsAny(unit, " \t\n") {
		return nil, ferrors.ValidationError("invalid unit name").WithContext("unit", unit).Build()
	}
	return append(argv, "--unit", unit), nil
}
