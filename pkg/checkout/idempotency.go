package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/flaboy/aira-checkout/pkg/types"
)

// IdempotencyKey derives the key that collapses repeated initiate calls. It covers
// the actor, what is being bought and the client nonce; cart line order is ignored.
// Without a nonce the session stands in for it, so only the same tab collapses.
func IdempotencyKey(req *types.InitiateRequest) string {
	parts := []string{req.ActorID, string(req.Kind())}
	if req.SlotID != "" {
		parts = append(parts, "slot:"+req.SlotID)
	} else {
		refs := make([]string, 0, len(req.Items))
		for _, line := range req.Items {
			refs = append(refs, string(line.ItemType)+":"+line.ItemID)
		}
		sort.Strings(refs)
		parts = append(parts, refs...)
	}
	if req.Nonce != "" {
		parts = append(parts, "nonce:"+req.Nonce)
	} else {
		parts = append(parts, "session:"+req.SessionID)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}
