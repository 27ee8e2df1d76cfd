// Package state provides the persistence backends: conversation snapshot
// repositories (file, SQL, redis) and the saved query store.
package state

import "github.com/user/insightdash/internal/types"

// Compile-time interface compliance checks.
var _ types.ConversationRepository = (*FileRepository)(nil)
var _ types.ConversationRepository = (*SQLRepository)(nil)
var _ types.ConversationRepository = (*RedisRepository)(nil)
var _ types.SavedQueryStore = (*SavedQueryStore)(nil)
