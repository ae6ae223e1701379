package orchestratornode

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	analystx "github.com/tanpawarit/storyweave/agent/agents/analyst"
	cachex "github.com/tanpawarit/storyweave/agent/cache"
	contractx "github.com/tanpawarit/storyweave/agent/contract"
	statex "github.com/tanpawarit/storyweave/agent/state"
)

// ReadCache loads the record of the last completed background batch and
// derives the previous scene from it. A missing or unusable record yields an
// empty one; the scene then falls back to what the session last saw.
func ReadCache(
	ctx context.Context,
	in *GraphState,
	store cachex.Store,
	session Session,
	staleThreshold int,
) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	rec := store.Load(ctx)
	if rec == nil {
		rec = cachex.Empty()
	}
	rec.MarkStaleness(in.Turn, staleThreshold)
	in.Record = rec

	scene, location, ok := SceneFromRecord(rec)
	if !ok {
		scene, location = session.LastScene()
	}
	in.PreviousScene = scene
	in.Location = location

	if rec.IsEmpty() {
		log.Debug().Int("turn", in.Turn).Msg("no cached analysis, continuing with an empty record")
	} else if !rec.Fresh() {
		log.Info().Int("turn", in.Turn).Int("record_turn", rec.TurnNumber).Msg("cached analysis is stale")
	}

	advance(session, statex.PhaseCacheRead, in.Turn)
	return in, nil
}

// SceneFromRecord decodes the scene analysis of a record, if it has one.
func SceneFromRecord(rec *cachex.Record) ([]string, string, bool) {
	res, ok := rec.Background[analystx.SceneID]
	if !ok || !res.Success {
		return nil, "", false
	}
	var scene analystx.ScenePayload
	if err := res.Decode(&scene); err != nil {
		log.Warn().Err(err).Str("agent_id", analystx.SceneID).Msg("cached scene payload is unreadable")
		return nil, "", false
	}
	return scene.Participants, strings.TrimSpace(scene.Location), true
}
