package casare

import "github.com/omerlefaruk/CasareRPA-sub002/id"

// ID is the primary identifier type for all Casare entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
