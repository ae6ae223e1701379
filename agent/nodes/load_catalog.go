package orchestratornode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	storex "github.com/tanpawarit/storyweave/agent/store"
)

// LoadCatalog lists the entity references agents may mention. A catalog
// failure leaves the list empty.
func LoadCatalog(ctx context.Context, in *GraphState, catalog storex.Catalog) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	refs, err := EntityRefs(ctx, catalog)
	if err != nil {
		log.Warn().Err(err).Int("turn", in.Turn).Msg("failed to list entity catalog")
	}
	in.Entities = refs
	return in, nil
}

func EntityRefs(ctx context.Context, catalog storex.Catalog) ([]contractx.EntityRef, error) {
	entities, err := catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]contractx.EntityRef, 0, len(entities))
	for _, e := range entities {
		refs = append(refs, e.Ref())
	}
	return refs, nil
}
