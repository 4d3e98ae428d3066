package checkout

import (
	"testing"

	"github.com/flaboy/aira-checkout/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKey(t *testing.T) {
	base := types.InitiateRequest{
		ActorID: "alice",
		Items: []types.CartLine{
			{ItemID: "go-101", ItemType: types.ItemTypeCourse},
			{ItemID: "backend", ItemType: types.ItemTypeLearningPath},
		},
		Nonce: "n1",
	}
	reordered := base
	reordered.Items = []types.CartLine{base.Items[1], base.Items[0]}
	assert.Equal(t, IdempotencyKey(&base), IdempotencyKey(&reordered))

	// with a nonce the session is not part of the key
	otherTab := base
	otherTab.SessionID = "tab-2"
	assert.Equal(t, IdempotencyKey(&base), IdempotencyKey(&otherTab))

	otherNonce := base
	otherNonce.Nonce = "n2"
	assert.NotEqual(t, IdempotencyKey(&base), IdempotencyKey(&otherNonce))

	otherActor := base
	otherActor.ActorID = "bob"
	assert.NotEqual(t, IdempotencyKey(&base), IdempotencyKey(&otherActor))

	// without a nonce each tab gets its own key
	noNonce := base
	noNonce.Nonce = ""
	noNonce.SessionID = "tab-1"
	sameTab := noNonce
	otherTabNoNonce := noNonce
	otherTabNoNonce.SessionID = "tab-2"
	assert.Equal(t, IdempotencyKey(&noNonce), IdempotencyKey(&sameTab))
	assert.NotEqual(t, IdempotencyKey(&noNonce), IdempotencyKey(&otherTabNoNonce))
	assert.NotEqual(t, IdempotencyKey(&base), IdempotencyKey(&noNonce))

	booking := types.InitiateRequest{ActorID: "alice", SlotID: "slot-1", Nonce: "n1"}
	assert.Len(t, IdempotencyKey(&booking), 64)
	assert.NotEqual(t, IdempotencyKey(&base), IdempotencyKey(&booking))
}
