package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/peerwave/peerwave/internal/core"
	"github.com/peerwave/peerwave/internal/domain"
)

func (ctl *Controller) handleAddNewUser(
	connID core.ConnID,
	conn *wsConn,
	data []byte,
) {
	var profile domain.Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad addNewUser payload")
		return
	}

	sess := core.NewUserSession(profile, connID, conn)
	evicted, err := ctl.Presence.Register(sess)
	if err != nil {
		// unauthenticated connection, ignored not registered
		log.Warn().Err(err).Str("module", "signal").
			Str("conn_id", string(connID)).
			Msg("rejecting registration")
		return
	}
	if evicted != nil {
		evicted.Signal().Close()
	}

	ctl.Relay.BroadcastDirectory()
}
