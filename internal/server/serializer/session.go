package serializer

import (
	"github.com/dulitha/sessiond/internal/manager"
	"github.com/dulitha/sessiond/internal/model"
)

// Session serializes the render of an in-memory session.
func Session(info manager.Info) map[string]interface{} {
	return map[string]interface{}{
		"number":      info.Number,
		"status":      info.Status,
		"health":      info.Health,
		"created_at":  info.CreatedAt,
		"last_active": info.LastActive,
		"uptime":      info.Uptime,
	}
}

// Sessions serializes the render of sessions.
func Sessions(infos []manager.Info) []map[string]interface{} {
	sessions := make([]map[string]interface{}, len(infos))
	for i, info := range infos {
		sessions[i] = Session(info)
	}
	return sessions
}

// HealthOverall serializes the aggregated health counts of the given sessions.
func HealthOverall(infos []manager.Info) map[string]interface{} {
	var active, reconnecting, disconnected int
	for _, info := range infos {
		switch info.Health {
		case model.HealthActive:
			active++
		case model.HealthReconnecting:
			reconnecting++
		case model.HealthDisconnected:
			disconnected++
		}
	}

	return map[string]interface{}{
		"total":        len(infos),
		"active":       active,
		"reconnecting": reconnecting,
		"disconnected": disconnected,
	}
}
